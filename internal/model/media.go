package model

import "time"

// Media is a catalog entry for an uploaded audio or video file
type Media struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist,omitempty"`
	FilePath   string    `json:"filePath"`
	MimeType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// ConversionResult describes a finished transcode
type ConversionResult struct {
	OutputPath string `json:"outputPath"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType"`
}
