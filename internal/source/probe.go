package source

import (
	"path"
	"strings"
)

// FormatOggOpus is the only container streamed to voice without transcoding.
const FormatOggOpus = "ogg/opus"

var extensionFormats = map[string]string{
	".opus": FormatOggOpus,
	".ogg":  "ogg",
	".oga":  "ogg",
	".mp3":  "mp3",
	".flac": "flac",
	".wav":  "wav",
	".m4a":  "mp4",
	".mp4":  "mp4",
	".aac":  "aac",
	".webm": "webm",
	".mkv":  "matroska",
}

var contentTypeFormats = map[string]string{
	"audio/opus":                    FormatOggOpus,
	"audio/ogg":                     "ogg",
	"application/ogg":               "ogg",
	"audio/mpeg":                    "mp3",
	"audio/mp3":                     "mp3",
	"audio/flac":                    "flac",
	"audio/x-flac":                  "flac",
	"audio/wav":                     "wav",
	"audio/x-wav":                   "wav",
	"audio/aac":                     "aac",
	"audio/mp4":                     "mp4",
	"audio/webm":                    "webm",
	"audio/x-mpegurl":               "hls",
	"application/x-mpegurl":         "hls",
	"application/vnd.apple.mpegurl": "hls",
}

// Probe guesses a container format from a content type and a file name.
// The file extension wins when both are present because servers commonly
// label Opus files as plain audio/ogg.
func Probe(contentType, name string) string {
	if f, ok := extensionFormats[strings.ToLower(path.Ext(name))]; ok {
		return f
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if strings.Contains(contentType, "codecs=opus") && ct == "audio/ogg" {
		return FormatOggOpus
	}
	return contentTypeFormats[ct]
}
