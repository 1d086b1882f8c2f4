package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/countersign/internal/annotations"
	"github.com/MarcoPoloResearchLab/countersign/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDocumentPayload struct {
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	FileName    string                  `json:"fileName"`
	ContentType string                  `json:"contentType"`
	Base64Data  string                  `json:"base64Data"`
	Signers     []documents.SignerInput `json:"signers"`
}

type submitSignaturePayload struct {
	SignatureType string          `json:"signatureType"`
	SignatureData string          `json:"signatureData"`
	Annotations   json.RawMessage `json:"annotations"`
}

func (h *httpHandler) bindJSON(c *gin.Context, target any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	err := c.ShouldBindJSON(target)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "validation_error", "code": "request.too_large"})
		return false
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_error", "code": "request.invalid_json"})
	return false
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var payload createDocumentPayload
	if !h.bindJSON(c, &payload) {
		return
	}
	content, dataURLType, err := annotations.DecodeDataURL(payload.Base64Data)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_error", "code": "request.invalid_base64"})
		return
	}
	contentType := payload.ContentType
	if contentType == "" {
		contentType = dataURLType
	}

	result, err := h.documents.CreateDocument(c.Request.Context(), documents.CreateRequest{
		Creator:     *identityFromContext(c),
		Title:       payload.Title,
		Description: payload.Description,
		FileName:    payload.FileName,
		ContentType: contentType,
		Content:     content,
		Signers:     payload.Signers,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "document": result})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_error", "code": "request.invalid_limit"})
			return
		}
		limit = parsed
	}
	summaries, err := h.documents.ListDocuments(c.Request.Context(), identityFromContext(c), c.Query("status"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "documents": summaries})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	view, err := h.documents.GetDocumentMetadata(c.Request.Context(), c.Param("id"), h.caller(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "document": view})
}

func (h *httpHandler) handleGetPDF(c *gin.Context) {
	file, err := h.documents.GetRenderedPDF(c.Request.Context(), c.Param("id"), h.caller(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	disposition := "inline"
	if c.Query("download") == "1" {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": file.FileName}))
	c.Header("X-Document-Status", string(file.Status))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/pdf", file.Content)
}

func (h *httpHandler) handleGetSeal(c *gin.Context) {
	file, err := h.documents.GetSeal(c.Request.Context(), c.Param("id"), h.caller(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.FileName}))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/pkcs7-signature", file.Content)
}

func (h *httpHandler) handleSubmitSignature(c *gin.Context) {
	var payload submitSignaturePayload
	if !h.bindJSON(c, &payload) {
		return
	}
	marks, err := annotations.ParseSubmitted(payload.Annotations)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_error", "code": "request.invalid_annotations"})
		return
	}

	result, err := h.documents.SubmitSignature(c.Request.Context(), documents.SubmitRequest{
		DocumentID:    c.Param("id"),
		SignerID:      c.Param("signerId"),
		Caller:        h.caller(c),
		SignatureType: payload.SignatureType,
		SignatureData: payload.SignatureData,
		Annotations:   marks,
	})
	if errors.Is(err, documents.ErrRenderFailure) {
		// The signature is committed; the client still learns the new status.
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body := errorBody(err)
		body["status"] = result.Status
		body["allCompleted"] = result.AllCompleted
		c.AbortWithStatusJSON(http.StatusInternalServerError, body)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"status":       result.Status,
		"allCompleted": result.AllCompleted,
		"render":       result.Render,
	})
}

func (h *httpHandler) handleRerender(c *gin.Context) {
	caller := h.caller(c)
	summary, status, err := h.documents.Rerender(c.Request.Context(), c.Param("id"), &caller)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status, "render": summary})
}
