package handler

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/logging"
	"github.com/marianozunino/opshub/internal/middleware"
	"github.com/marianozunino/opshub/internal/model"
	"github.com/marianozunino/opshub/internal/upload"
	"github.com/marianozunino/opshub/internal/utils"
)

// HandleUpload stores a file for the category named in the path.
func (h *Handler) HandleUpload(c echo.Context) error {
	return h.handleUpload(c, c.Param("category"))
}

// HandleAssemblyUpload accepts inventory spreadsheets for assembly analysis.
func (h *Handler) HandleAssemblyUpload(c echo.Context) error {
	return h.handleUpload(c, upload.CategoryAssembly)
}

// HandlePurchaseOrderUpload accepts spreadsheets for purchase order generation.
func (h *Handler) HandlePurchaseOrderUpload(c echo.Context) error {
	return h.handleUpload(c, upload.CategoryPurchaseOrders)
}

func (h *Handler) handleUpload(c echo.Context, category string) error {
	file, header, err := c.Request().FormFile("file")
	if err != nil {
		return formFileError(err)
	}
	defer file.Close()

	log := h.log.With(
		logging.Operation("file_upload"),
		logging.User(middleware.UserID(c)),
		zap.String("category", category),
		zap.String("original_name", header.Filename),
	)

	vf, err := h.validator.Validate(upload.Request{
		Content:     file,
		Filename:    header.Filename,
		ContentType: header.Header.Get(echo.HeaderContentType),
		Size:        header.Size,
		Category:    category,
	})
	if err != nil {
		log.Warn("Upload rejected", zap.Error(err))
		return err
	}

	path, written, err := h.store.Save(vf.Category, vf.StoredName, file)
	if err != nil {
		log.Error("Failed to store upload", zap.Error(err))
		h.alerts.High(c.Request().Context(), err, map[string]any{
			"operation":   "file_upload",
			"category":    vf.Category,
			"stored_name": vf.StoredName,
		})
		return err
	}

	record := model.StoredFile{
		ID:           uuid.NewString(),
		Category:     vf.Category,
		StoredName:   vf.StoredName,
		OriginalName: vf.SafeName,
		Path:         path,
		Size:         written,
		ContentType:  vf.DetectedType,
		SHA256:       vf.SHA256,
		CreatedAt:    h.now().UTC(),
	}

	// The record must not outlive a cancelled request without its file.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), 5*time.Second)
	defer cancel()
	if err := h.db.StoreFile(ctx, &record); err != nil {
		log.Error("Failed to register upload", zap.Error(err))
		if rmErr := h.store.Remove(path); rmErr != nil {
			log.Warn("Failed to clean up file after registry error", zap.Error(rmErr))
		}
		regErr := apperr.FileOperation(err, "register upload", path)
		h.alerts.High(ctx, regErr, map[string]any{"operation": "file_upload", "category": vf.Category})
		return regErr
	}

	log.Info("File uploaded",
		zap.String("id", record.ID),
		zap.String("stored_name", record.StoredName),
		zap.Int64("size", record.Size),
		zap.String("detected_type", vf.DetectedType),
	)

	return c.JSON(http.StatusCreated, view(record))
}

func formFileError(err error) error {
	var (
		maxErr  *http.MaxBytesError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return apperr.Validation(apperr.CodeNoFile, "No file provided")
	case errors.As(err, &maxErr):
		return apperr.Validation(apperr.CodeFileTooLarge, "File too large (max %s)", utils.FormatFileSize(maxErr.Limit))
	case errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge:
		return apperr.Validation(apperr.CodeFileTooLarge, "File too large")
	case errors.Is(err, http.ErrNotMultipart), errors.Is(err, multipart.ErrMessageTooLarge):
		return apperr.Validation(apperr.CodeNoFile, "Request must be multipart/form-data with a file field")
	default:
		return apperr.Validation(apperr.CodeNoFile, "Could not read uploaded file")
	}
}

func view(f model.StoredFile) model.StoredFileView {
	return model.StoredFileView{StoredFile: f, SizeHuman: utils.FormatFileSize(f.Size)}
}

// HandleGetFile returns the registry record for an uploaded file.
func (h *Handler) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return apperr.NotFound("no stored file found with ID: %s", id)
	}

	f, err := h.db.GetFile(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view(f))
}
