package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/distribution/reference"
	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	"github.com/stowage/stowage/registry/api/errcode"
	v2 "github.com/stowage/stowage/registry/api/v2"
	"github.com/stowage/stowage/registry/storage"
)

// blobUploadDispatcher constructs and returns the blob upload handler for
// the given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    ctx.vars["uuid"],
	}

	handler := handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(buh.StartBlobUpload),
	}

	if buh.UUID != "" {
		handler = handlers.MethodHandler{
			http.MethodGet:    http.HandlerFunc(buh.GetUploadStatus),
			http.MethodPatch:  http.HandlerFunc(buh.PatchBlobData),
			http.MethodPut:    http.HandlerFunc(buh.PutBlobUploadComplete),
			http.MethodDelete: http.HandlerFunc(buh.CancelBlobUpload),
		}

		return buh.ResumeBlobUpload(ctx, r, handler)
	}

	return handler
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload instance for the current request. Using
	// UUID to key blob writers since this implementation uses UUIDs.
	UUID string

	Upload stowage.BlobWriter
}

// StartBlobUpload begins the blob upload process. With a mount query
// parameter naming an existing blob in another repository, the blob is
// linked directly and no session is created; otherwise a session directory
// is allocated and its location returned.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	var options []stowage.BlobCreateOption

	fromRepo := r.FormValue("from")
	mountDigest := r.FormValue("mount")

	if mountDigest != "" && fromRepo != "" {
		opt, err := buh.createBlobMountOption(fromRepo, mountDigest)
		if opt != nil && err == nil {
			options = append(options, opt)
		}
	}

	blobs := buh.Repository.Blobs(buh)
	upload, err := blobs.Create(buh, options...)
	if err != nil {
		if ebm, ok := err.(stowage.ErrBlobMounted); ok {
			if err := buh.writeBlobCreatedHeaders(w, ebm.Descriptor); err != nil {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
			return
		}
		if err == stowage.ErrBlobUnknown {
			// Mount source missing: fall back to a standard session.
			upload, err = blobs.Create(buh)
		}
		if err != nil {
			if err == stowage.ErrUnsupported {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnsupported)
			} else {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
			return
		}
	}

	buh.Upload = upload

	if err := buh.blobUploadResponse(w, r); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.Upload.ID())
	w.WriteHeader(http.StatusAccepted)
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown)
		return
	}

	if err := buh.blobUploadResponse(w, r); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData writes data to an upload. The chunk must be contiguous
// with what has already been received: a Content-Range header whose start
// does not equal the current session size is refused with 416 and the
// current tail reflected in Range.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown)
		return
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(fmt.Errorf("bad Content-Type")))
		return
	}

	// Contiguity keys on Content-Range alone so that chunked-encoding
	// requests, which carry no Content-Length, are still checked.
	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, end, err := parseContentRange(cr)
		if err != nil || start > end || start != buh.Upload.Size() {
			buh.writeUploadRangeError(w)
			return
		}

		if cl := r.Header.Get("Content-Length"); cl != "" {
			clInt, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || clInt != (end-start+1) {
				buh.writeUploadRangeError(w)
				return
			}
		}
	}

	if err := copyFullPayload(buh.Context, w, r, buh.Upload, -1, "blob PATCH"); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithMessage(err.Error()))
		return
	}

	if err := buh.blobUploadResponse(w, r); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data provided
// is received and verified. If successful, the blob is linked into the
// blob store and 201 Created is returned with the canonical url of the
// blob.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown)
		return
	}

	dgstStr := r.FormValue("digest")
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}

	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	if err := copyFullPayload(buh.Context, w, r, buh.Upload, -1, "blob PUT"); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithMessage(err.Error()))
		return
	}

	desc, err := buh.Upload.Commit(buh, stowage.Descriptor{
		Digest: dgst,
	})
	if err != nil {
		switch err := err.(type) {
		case stowage.ErrBlobInvalidDigest:
			buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err))
		case errcode.Error:
			buh.Errors = append(buh.Errors, err)
		default:
			switch err {
			case stowage.ErrBlobInvalidLength:
				buh.Errors = append(buh.Errors, v2.ErrorCodeSizeInvalid.WithDetail(err))
			case stowage.ErrUnsupported:
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnsupported)
			default:
				dcontext.GetLogger(buh).Errorf("unknown error completing upload: %v", err)
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
		}

		// Clean up the backend blob data if there was an error.
		if err := buh.Upload.Cancel(buh); err != nil {
			// If the cancel fails, all we can do is observe and report.
			dcontext.GetLogger(buh).Errorf("error canceling upload after error: %v", err)
		}
		return
	}

	if err := buh.writeBlobCreatedHeaders(w, desc); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown)
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	if err := buh.Upload.Cancel(buh); err != nil {
		dcontext.GetLogger(buh).Errorf("error encountered canceling upload: %v", err)
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResumeBlobUpload wraps the handler, resuming the session named in the
// route before the method handler runs.
func (buh *blobUploadHandler) ResumeBlobUpload(ctx *Context, r *http.Request, handler http.Handler) http.Handler {
	blobs := ctx.Repository.Blobs(buh)
	upload, err := blobs.Resume(buh, buh.UUID)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dcontext.GetLogger(ctx).Errorf("error resolving upload: %v", err)
			if err == stowage.ErrBlobUploadUnknown {
				buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown.WithDetail(err))
			} else {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
		})
	}
	buh.Upload = upload

	// Commit and Cancel release the writer themselves; the extra Close is
	// a no-op in those cases.
	return closeResources(handler, buh.Upload)
}

// blobUploadResponse provides a standard request for uploading blobs and
// chunk responses. This sets the correct headers but the response status is
// left to the caller. The fresh offset is returned in the Range header: a
// session holding n bytes reports 0-(n-1), and an empty session reports
// 0-0 per OCI convention.
func (buh *blobUploadHandler) blobUploadResponse(w http.ResponseWriter, r *http.Request) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Repository.Named(), buh.Upload.ID())
	if err != nil {
		return err
	}

	endRange := buh.Upload.Size()
	if endRange > 0 {
		endRange = endRange - 1
	}

	w.Header().Set("Location", uploadURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))

	return nil
}

// writeUploadRangeError responds 416 with the current session tail so the
// client can re-synchronize its next chunk.
func (buh *blobUploadHandler) writeUploadRangeError(w http.ResponseWriter) {
	endRange := buh.Upload.Size()
	if endRange > 0 {
		endRange = endRange - 1
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// writeBlobCreatedHeaders writes the standard headers describing a newly
// created blob. A 201 Created is written as well as the canonical URL and
// blob digest.
func (buh *blobUploadHandler) writeBlobCreatedHeaders(w http.ResponseWriter, desc stowage.Descriptor) error {
	ref, err := reference.WithDigest(buh.Repository.Named(), desc.Digest)
	if err != nil {
		return err
	}
	blobURL, err := buh.urlBuilder.BuildBlobURL(ref)
	if err != nil {
		return err
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.WriteHeader(http.StatusCreated)
	return nil
}

// createBlobMountOption takes the from and mount query parameters and
// returns a blob create option if they are valid.
func (buh *blobUploadHandler) createBlobMountOption(fromRepo, mountDigest string) (stowage.BlobCreateOption, error) {
	dgst, err := digest.Parse(mountDigest)
	if err != nil {
		return nil, err
	}

	ref, err := reference.WithName(fromRepo)
	if err != nil {
		return nil, err
	}

	canonical, err := reference.WithDigest(ref, dgst)
	if err != nil {
		return nil, err
	}

	return storage.WithMountFrom(canonical), nil
}

// parseContentRange parses a Content-Range of the form "<start>-<end>"
// into its inclusive bounds.
func parseContentRange(cr string) (start int64, end int64, err error) {
	rStart, rEnd, ok := strings.Cut(cr, "-")
	if !ok {
		return -1, -1, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(rStart, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	end, err = strconv.ParseInt(rEnd, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	return start, end, nil
}
