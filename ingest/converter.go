package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Converter turns a stored file into normalized markdown. It never
// fails the caller: conversion trouble degrades to raw text, total
// failure to an empty string. usedConverter reports whether the
// heavyweight converter produced the text.
type Converter interface {
	ToMarkdown(ctx context.Context, path, filetype string) (text string, usedConverter bool)
}

// DoclingConverter converts PDF and Word files through a docling-serve
// instance. Plain-text types are read directly; every converter
// failure falls back to decoding the raw bytes as text.
type DoclingConverter struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewDoclingConverter(baseURL string, timeout time.Duration, logger *zap.Logger) *DoclingConverter {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoclingConverter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "docling_converter")),
	}
}

func (c *DoclingConverter) ToMarkdown(ctx context.Context, path, filetype string) (string, bool) {
	switch filetype {
	case "txt", "md":
		return c.readRaw(path), false
	}

	text, err := c.convert(ctx, path)
	if err != nil {
		// 转换失败回退到原始字节，摄取继续
		c.logger.Warn("docling conversion failed, falling back to raw text",
			zap.String("path", path),
			zap.String("filetype", filetype),
			zap.Error(err))
		return c.readRaw(path), false
	}
	return text, true
}

// convert posts the file to docling-serve and extracts the markdown.
func (c *DoclingConverter) convert(ctx context.Context, path string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("docling base url not configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1alpha/convert/file", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("docling request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("docling convert: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var body struct {
		Document struct {
			MDContent string `json:"md_content"`
		} `json:"document"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("docling response: %w", err)
	}
	if strings.TrimSpace(body.Document.MDContent) == "" {
		return "", fmt.Errorf("docling returned empty markdown")
	}
	return body.Document.MDContent, nil
}

// readRaw decodes the stored bytes as text; unreadable files yield "".
func (c *DoclingConverter) readRaw(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("raw text fallback failed",
			zap.String("path", path),
			zap.Error(err))
		return ""
	}
	return string(data)
}
