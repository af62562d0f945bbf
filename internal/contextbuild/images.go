package contextbuild

import (
	"encoding/base64"
	"log/slog"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/contextbuild/imaging"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

func resampleDefault(data []byte, maxBytes int) ([]byte, error) {
	return imaging.Resample(data, maxBytes)
}

const (
	defaultMaxImageBase64Total  = 15 << 20
	defaultMaxImageBase64Single = 5 << 20
)

// applyImageSelection implements §4.2 step 5, mutating participants in
// place by appending image content blocks to the ParticipantMessage whose
// MessageID matches each selected image's MessageID.
func applyImageSelection(participants []model.ParticipantMessage, messages []model.DiscordMessage, images []transport.ImageRef, cfg *config.ContextConfig, anchorIdx int, resample func([]byte, int) ([]byte, error)) {
	if len(images) == 0 {
		return
	}

	idxByID := make(map[string]int, len(messages))
	for i, m := range messages {
		idxByID[m.ID] = i
	}

	totalCeiling := cfg.MaxImageBase64Total
	if totalCeiling <= 0 {
		totalCeiling = defaultMaxImageBase64Total
	}
	singleCeiling := cfg.MaxImageBase64Single
	if singleCeiling <= 0 {
		singleCeiling = defaultMaxImageBase64Single
	}

	var cached, ephemeral []transport.ImageRef
	for _, img := range images {
		msgIdx, ok := idxByID[img.MessageID]
		if !ok {
			continue
		}
		if msgIdx <= anchorIdx {
			cached = append(cached, img)
		} else {
			ephemeral = append(ephemeral, img)
		}
	}

	pmByID := make(map[string]*model.ParticipantMessage, len(participants))
	for i := range participants {
		if participants[i].MessageID != "" {
			pmByID[participants[i].MessageID] = &participants[i]
		}
	}

	totalBytes := 0
	attach := func(img transport.ImageRef) bool {
		raw, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			slog.Warn("contextbuild: image base64 decode failed, skipping", "message_id", img.MessageID, "error", err)
			return false
		}
		if len(raw) > singleCeiling {
			resampled, err := resample(raw, singleCeiling)
			if err != nil {
				slog.Warn("contextbuild: image resample failed, skipping", "message_id", img.MessageID, "error", err)
				return false
			}
			raw = resampled
		}
		if totalBytes+len(raw) > totalCeiling {
			return false
		}
		pm, ok := pmByID[img.MessageID]
		if !ok {
			return false
		}
		pm.Content = append(pm.Content, model.ContentBlock{
			Type:          model.BlockImage,
			ImageMimeType: img.MimeType,
			ImageData:     base64.StdEncoding.EncodeToString(raw),
		})
		totalBytes += len(raw)
		return true
	}

	maxImages := cfg.MaxImages
	if cfg.CacheImages {
		count := 0
		for _, img := range cached {
			if maxImages > 0 && count >= maxImages {
				break
			}
			if attach(img) {
				count++
			}
		}
	}

	maxEphemeral := cfg.MaxEphemeralImages
	count := 0
	for _, img := range ephemeral {
		if maxEphemeral > 0 && count >= maxEphemeral {
			break
		}
		if attach(img) {
			count++
		}
	}
}
