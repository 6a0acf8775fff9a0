package routes

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFilename keeps the base name of an uploaded file with anything outside
// a conservative character set replaced.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Trim(unsafeFilename.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "upload"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

// handleUpload stores a multipart "pdf" file as UPLOAD_DIR/<uuid>/<name> and
// ingests that path, so the stored source is the full upload path.
func handleUpload(deps Dependencies) gin.HandlerFunc {
	cfg := deps.Config
	return func(c *gin.Context) {
		if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
			utils.RespondWithBadRequest(c, "Invalid multipart form", gin.H{"error": err.Error()})
			return
		}

		file, header, err := c.Request.FormFile("pdf")
		if err != nil {
			utils.RespondWithBadRequest(c, "No PDF file provided", nil)
			return
		}
		defer file.Close()

		ct := header.Header.Get("Content-Type")
		if !strings.Contains(ct, "pdf") && !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
			utils.RespondWithBadRequest(c, "Only PDF files are allowed", gin.H{"content_type": ct})
			return
		}
		if cfg.MaxFileSize > 0 && header.Size > cfg.MaxFileSize {
			utils.RespondWithError(c, http.StatusRequestEntityTooLarge, "file_too_large", "File size exceeds maximum limit", gin.H{
				"max_size": cfg.MaxFileSize,
				"size":     header.Size,
			})
			return
		}

		// Basic PDF header validation without loading whole file
		headerBuf := make([]byte, 5)
		if _, err := io.ReadFull(file, headerBuf); err != nil || string(headerBuf[:4]) != "%PDF" {
			utils.RespondWithUnprocessable(c, "invalid_pdf", "File does not appear to be a valid PDF", nil)
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			utils.RespondWithInternalError(c, "Failed to reset file for saving", nil)
			return
		}

		dir := filepath.Join(cfg.UploadDir, uuid.NewString())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			utils.RespondWithInternalError(c, "Failed to create upload directory", nil)
			return
		}
		path := filepath.Join(dir, safeFilename(header.Filename))
		if err := saveUpload(file, path, cfg.MaxFileSize); err != nil {
			os.RemoveAll(dir)
			utils.RespondWithInternalError(c, "Failed to save file", gin.H{"error": err.Error()})
			return
		}
		logger.Info("Stored upload", "path", path, "size", header.Size)

		if !startIngest(c, deps, []string{path}) {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("Failed to remove upload", "path", path, "error", err)
			}
		}
	}
}

func saveUpload(src io.Reader, path string, limit int64) error {
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if limit > 0 {
		src = io.LimitReader(src, limit)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
