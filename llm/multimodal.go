package llm

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var imageMediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var documentMediaTypes = map[string]string{
	".pdf": "application/pdf",
	".txt": "text/plain",
}

// ImageMediaType returns the media type of an image file by extension.
func ImageMediaType(path string) (string, error) {
	if mt, ok := imageMediaTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mt, nil
	}
	return "", NewInvalidRequestError("unsupported image type %q", filepath.Ext(path))
}

// DocumentMediaType returns the media type of a document file by extension.
func DocumentMediaType(path string) (string, error) {
	if mt, ok := documentMediaTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mt, nil
	}
	return "", NewInvalidRequestError("unsupported document type %q", filepath.Ext(path))
}

// NewImageBlockFromBytes creates a base64 image block.
func NewImageBlockFromBytes(mediaType string, data []byte) ContentBlock {
	return base64Block(ContentBlockTypeImage, mediaType, data)
}

// NewImageBlockFromFile reads an image from disk.
func NewImageBlockFromFile(path string) (ContentBlock, error) {
	mediaType, err := ImageMediaType(path)
	if err != nil {
		return ContentBlock{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ContentBlock{}, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return NewImageBlockFromBytes(mediaType, data), nil
}

// NewImageURLBlock creates an image block the API fetches itself.
func NewImageURLBlock(rawURL string) (ContentBlock, error) {
	return urlBlock(ContentBlockTypeImage, rawURL)
}

// NewDocumentBlockFromBytes creates a base64 document block.
func NewDocumentBlockFromBytes(mediaType string, data []byte) ContentBlock {
	return base64Block(ContentBlockTypeDocument, mediaType, data)
}

// NewDocumentBlockFromFile reads a document from disk.
func NewDocumentBlockFromFile(path string) (ContentBlock, error) {
	mediaType, err := DocumentMediaType(path)
	if err != nil {
		return ContentBlock{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ContentBlock{}, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	return NewDocumentBlockFromBytes(mediaType, data), nil
}

// NewDocumentURLBlock creates a document block the API fetches itself.
func NewDocumentURLBlock(rawURL string) (ContentBlock, error) {
	return urlBlock(ContentBlockTypeDocument, rawURL)
}

func base64Block(t ContentBlockType, mediaType string, data []byte) ContentBlock {
	return ContentBlock{
		Type: t,
		Source: &Source{
			Type:      SourceTypeBase64,
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}
}

func urlBlock(t ContentBlockType, rawURL string) (ContentBlock, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ContentBlock{}, NewInvalidRequestError("%s url must be an absolute http or https url, got %q", t, rawURL)
	}
	return ContentBlock{Type: t, Source: &Source{Type: SourceTypeURL, URL: rawURL}}, nil
}
