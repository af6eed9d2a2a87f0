package api

import (
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/version"
)

// ErrorResponse is the standard JSON error envelope returned by all HTTP error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// InfoDTO describes the node build and its capabilities.
type InfoDTO struct {
	version.Info
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
}

// LoadResultDTO is the body of a loadtracks response. Tracks carry their
// encoded tokens so clients can hand them straight back in play commands.
type LoadResultDTO struct {
	LoadType  source.LoadType      `json:"loadType"`
	Tracks    []track.Track        `json:"tracks"`
	Playlist  *source.PlaylistInfo `json:"playlist,omitempty"`
	Exception *protocol.Exception  `json:"exception,omitempty"`
}

// DecodeTracksRequest is the body accepted by the batch decode endpoint.
type DecodeTracksRequest []string

// HealthDTO is returned by the health endpoint.
type HealthDTO struct {
	Status string `json:"status"`
}

// ToLoadResultDTO encodes every resolved track. Tracks that cannot be
// encoded are skipped.
func ToLoadResultDTO(res source.Result) (LoadResultDTO, error) {
	dto := LoadResultDTO{
		LoadType: res.LoadType,
		Tracks:   make([]track.Track, 0, len(res.Tracks)),
		Playlist: res.Playlist,
	}
	for _, info := range res.Tracks {
		encoded, err := track.Encode(info)
		if err != nil {
			return LoadResultDTO{}, err
		}
		dto.Tracks = append(dto.Tracks, track.Track{Encoded: encoded, Info: info})
	}
	return dto, nil
}

// ErrorResult wraps a resolution failure as a loadtracks body.
func ErrorResult(err error) LoadResultDTO {
	ex := source.Exception(err)
	return LoadResultDTO{
		LoadType:  source.LoadError,
		Tracks:    []track.Track{},
		Exception: &ex,
	}
}
