package handler

import (
	"encoding/json"
	"net/http"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/service"
)

type bulkRequest struct {
	IDs        []int   `json:"ids"`
	LockReason *string `json:"lockReason,omitempty"`
}

// decodeBulkRequest rejects bodies that are not JSON or whose ids are not an
// array of integers
func decodeBulkRequest(w http.ResponseWriter, r *http.Request) (bulkRequest, bool) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body: ids must be an array of integers")
		return req, false
	}
	return req, true
}

func (h *BaliseHandler) BulkLock(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decodeBulkRequest(w, r)
	if !ok {
		return
	}

	res, err := h.bulk.Lock(r.Context(), caller, req.IDs, req.LockReason)
	h.writeBulk(w, r, res, err)
}

func (h *BaliseHandler) BulkUnlock(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decodeBulkRequest(w, r)
	if !ok {
		return
	}

	res, err := h.bulk.Unlock(r.Context(), caller, req.IDs)
	h.writeBulk(w, r, res, err)
}

func (h *BaliseHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decodeBulkRequest(w, r)
	if !ok {
		return
	}

	res, err := h.bulk.Delete(r.Context(), caller, req.IDs)
	h.writeBulk(w, r, res, err)
}

func (h *BaliseHandler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decodeBulkRequest(w, r)
	if !ok {
		return
	}

	res, err := h.bulk.Create(r.Context(), caller, req.IDs)
	h.writeBulk(w, r, res, err)
}

// BulkUpload accepts multipart/form-data with "files", an optional shared
// "description", an optional "descriptions" JSON object keyed by balise id
// and an optional "versionStatus"
func (h *BaliseHandler) BulkUpload(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	form, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}

	files, err := readFiles(form.File["files"])
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	var descriptions map[int]string
	if raw := formValue(form, "descriptions"); raw != nil && *raw != "" {
		if err := json.Unmarshal([]byte(*raw), &descriptions); err != nil {
			writeMessage(w, http.StatusBadRequest, "descriptions must be a JSON object keyed by balise id")
			return
		}
	}

	res, err := h.bulk.Upload(r.Context(), caller, service.BulkUploadInput{
		Files:         files,
		Description:   formValue(form, "description"),
		Descriptions:  descriptions,
		VersionStatus: domain.VersionStatus(derefString(formValue(form, "versionStatus"))),
	})
	h.writeBulk(w, r, res, err)
}

// writeBulk answers 200 whenever the request itself was accepted, item
// failures are reported inside the result
func (h *BaliseHandler) writeBulk(w http.ResponseWriter, r *http.Request, res *domain.BulkResult, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
