package agent

import (
	"encoding/base64"
	"strings"

	"github.com/fenwick-ai/soul/pkg/models"
)

// artifactsToContentParts converts tool-produced artifacts directly into
// image content parts, for embedding in the persisted tool-result message.
func artifactsToContentParts(artifacts []Artifact) []models.ContentPart {
	return attachmentsToContentParts(artifactsToAttachments(artifacts))
}

// attachmentsToContentParts projects attachments down to the image parts a
// Message can carry; non-image attachments have no tagged-union home yet.
func attachmentsToContentParts(atts []models.Attachment) []models.ContentPart {
	if len(atts) == 0 {
		return nil
	}
	var parts []models.ContentPart
	for _, a := range atts {
		if a.Type == "image" && a.URL != "" {
			parts = append(parts, models.ImagePart(a.URL, a.MimeType))
		}
	}
	return parts
}

// contentPartsToAttachments extracts image parts back out as attachments,
// for providers that still take images via CompletionMessage.Attachments.
func contentPartsToAttachments(parts []models.ContentPart) []models.Attachment {
	if len(parts) == 0 {
		return nil
	}
	var atts []models.Attachment
	for _, p := range parts {
		if p.Kind == models.PartImageURL {
			atts = append(atts, models.Attachment{Type: "image", URL: p.ImageURL, MimeType: p.MediaType})
		}
	}
	return atts
}

func artifactsToAttachments(artifacts []Artifact) []models.Attachment {
	if len(artifacts) == 0 {
		return nil
	}
	attachments := make([]models.Attachment, 0, len(artifacts))
	for _, art := range artifacts {
		attType := "file"
		switch art.Type {
		case "screenshot", "image":
			attType = "image"
		case "recording", "video":
			attType = "video"
		case "audio":
			attType = "audio"
		default:
			if strings.HasPrefix(art.MimeType, "image/") {
				attType = "image"
			} else if strings.HasPrefix(art.MimeType, "video/") {
				attType = "video"
			} else if strings.HasPrefix(art.MimeType, "audio/") {
				attType = "audio"
			}
		}

		attachment := models.Attachment{
			ID:       art.ID,
			Type:     attType,
			Filename: art.Filename,
			MimeType: art.MimeType,
			Size:     int64(len(art.Data)),
			URL:      art.URL,
		}
		if attachment.URL == "" && len(art.Data) > 0 && art.MimeType != "" {
			attachment.URL = "data:" + art.MimeType + ";base64," + base64.StdEncoding.EncodeToString(art.Data)
		}
		attachments = append(attachments, attachment)
	}
	return attachments
}
