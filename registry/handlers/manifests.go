package handlers

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/distribution/reference"
	"github.com/gorilla/handlers"
	"github.com/munnerz/goautoneg"
	"github.com/opencontainers/go-digest"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/internal/dcontext"
	"github.com/stowage/stowage/registry/api/errcode"
	v2 "github.com/stowage/stowage/registry/api/v2"
)

// maxManifestBodySize bounds the payload accepted on manifest put. Image
// manifests are small documents; anything larger is rejected before it is
// buffered in memory.
const maxManifestBodySize = 4 * 1024 * 1024

// manifestDispatcher takes the request context and builds the
// appropriate handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	manifestHandler := &manifestHandler{
		Context: ctx,
	}
	ref := ctx.vars["reference"]
	dgst, err := digest.Parse(ref)
	if err != nil {
		// The reference is a tag. The route regexp has already vetted it.
		manifestHandler.Tag = ref
	} else {
		manifestHandler.Digest = dgst
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodHead:   http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodPut:    http.HandlerFunc(manifestHandler.PutManifest),
		http.MethodDelete: http.HandlerFunc(manifestHandler.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	// One of Tag or Digest gets set, depending on the incoming request.
	Tag    string
	Digest digest.Digest
}

// GetManifest fetches the image manifest from the storage backend, if it
// exists. The response media type is negotiated against the request's
// Accept header; a stored manifest the client cannot accept yields 406.
func (imh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("GetImageManifest")
	manifests, err := imh.Repository.Manifests(imh)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	if imh.Tag != "" {
		tags := imh.Repository.Tags(imh)
		desc, err := tags.Get(imh, imh.Tag)
		if err != nil {
			if _, ok := err.(stowage.ErrTagUnknown); ok {
				imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(err))
			} else {
				imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
			return
		}
		imh.Digest = desc.Digest
	}

	if etagMatch(r, imh.Digest.String()) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	manifest, err := manifests.Get(imh, imh.Digest)
	if err != nil {
		switch err.(type) {
		case stowage.ErrManifestUnknownRevision, stowage.ErrManifestUnknown:
			imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(err))
		default:
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	ct, p, err := manifest.Payload()
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	if !acceptableMediaType(r, ct) {
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnacceptable.WithDetail(
			fmt.Sprintf("manifest is of media type %q", ct)))
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", fmt.Sprint(len(p)))
	w.Header().Set("Docker-Content-Digest", imh.Digest.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, imh.Digest))
	w.Write(p)
}

// etagMatch reports whether any If-None-Match entry names the given digest,
// with or without quotes.
func etagMatch(r *http.Request, etag string) bool {
	for _, headerVal := range r.Header["If-None-Match"] {
		if headerVal == etag || headerVal == fmt.Sprintf(`"%s"`, etag) {
			return true
		}
	}
	return false
}

// acceptableMediaType reports whether the client's Accept header admits the
// given media type. An absent header accepts everything, as do the "*/*"
// and "<type>/*" wildcard forms.
func acceptableMediaType(r *http.Request, mediaType string) bool {
	if len(r.Header["Accept"]) == 0 {
		return true
	}

	t, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return false
	}
	major, minor, _ := strings.Cut(t, "/")

	for _, accept := range goautoneg.ParseAccept(strings.Join(r.Header["Accept"], ",")) {
		if accept.Type == "*" && accept.SubType == "*" {
			return true
		}
		if accept.Type == major && (accept.SubType == "*" || accept.SubType == minor) {
			return true
		}
	}

	return false
}

// PutManifest validates and stores a manifest in the registry.
func (imh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("PutImageManifest")
	manifests, err := imh.Repository.Manifests(imh)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	var jsonBuf bytes.Buffer
	if err := copyFullPayload(imh.Context, w, r, &jsonBuf, maxManifestBodySize, "image manifest PUT"); err != nil {
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}

	mediaType := r.Header.Get("Content-Type")
	if !supportedManifestMediaType(mediaType) {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported.WithDetail(
			fmt.Sprintf("manifest media type %q is not supported", mediaType)))
		return
	}

	manifest, desc, err := stowage.UnmarshalManifest(mediaType, jsonBuf.Bytes())
	if err != nil {
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err))
		return
	}

	if imh.Digest != "" {
		if desc.Digest != imh.Digest {
			dcontext.GetLogger(imh).Errorf("payload digest does not match: %q != %q", desc.Digest, imh.Digest)
			imh.Errors = append(imh.Errors, v2.ErrorCodeDigestInvalid)
			return
		}
	} else if imh.Tag == "" {
		imh.Errors = append(imh.Errors, v2.ErrorCodeTagInvalid.WithDetail("no tag or digest specified"))
		return
	}

	_, err = manifests.Put(imh, manifest)
	if err != nil {
		imh.appendPutError(err)
		return
	}
	imh.Digest = desc.Digest

	// Associate the tag once the revision is durably stored.
	if imh.Tag != "" {
		tags := imh.Repository.Tags(imh)
		if err := tags.Tag(imh, imh.Tag, desc); err != nil {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
	}

	// Construct a canonical url for the uploaded manifest.
	ref, err := reference.WithDigest(imh.Repository.Named(), imh.Digest)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	location, err := imh.urlBuilder.BuildManifestURL(ref)
	if err != nil {
		// NOTE: Location headers are optional. We can still respond to the
		// client if the url builder is in a bad state, but log the error.
		dcontext.GetLogger(imh).Errorf("error building manifest url from digest: %v", err)
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", imh.Digest.String())
	w.WriteHeader(http.StatusCreated)

	dcontext.GetLogger(imh).Debug("Succeeded in putting manifest!")
}

// supportedManifestMediaType reports whether an unmarshal function is
// registered for the given Content-Type header value.
func supportedManifestMediaType(ctHeader string) bool {
	mediaType, _, err := mime.ParseMediaType(ctHeader)
	if err != nil {
		return false
	}
	for _, mt := range stowage.ManifestMediaTypes() {
		if mt == mediaType {
			return true
		}
	}
	return false
}

func (imh *manifestHandler) appendPutError(err error) {
	switch err := err.(type) {
	case stowage.ErrManifestVerification:
		for _, verificationError := range err {
			switch verificationError := verificationError.(type) {
			case stowage.ErrManifestBlobUnknown:
				imh.Errors = append(imh.Errors, v2.ErrorCodeManifestBlobUnknown.WithDetail(verificationError.Digest))
			case stowage.ErrManifestNameInvalid:
				imh.Errors = append(imh.Errors, v2.ErrorCodeNameInvalid.WithDetail(err))
			case stowage.ErrManifestUnverified:
				imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail("manifest failed verification"))
			default:
				if verificationError == digest.ErrDigestInvalidFormat {
					imh.Errors = append(imh.Errors, v2.ErrorCodeDigestInvalid)
				} else {
					imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(verificationError))
				}
			}
		}
	case errcode.Error:
		imh.Errors = append(imh.Errors, err)
	default:
		if err == stowage.ErrUnsupported {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported)
		} else {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
	}
}

// DeleteManifest removes the manifest with the given digest from the
// registry. Deletion by tag is not supported; clients must resolve the tag
// and delete by digest.
func (imh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("DeleteImageManifest")

	if imh.Tag != "" {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported.WithDetail(
			"deleting manifests by tag is not supported"))
		return
	}

	manifests, err := imh.Repository.Manifests(imh)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	err = manifests.Delete(imh, imh.Digest)
	if err != nil {
		switch err.(type) {
		case stowage.ErrManifestUnknownRevision, stowage.ErrManifestUnknown:
			imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown)
			return
		}
		switch err {
		case stowage.ErrUnsupported:
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported)
		case stowage.ErrBlobUnknown:
			imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown)
		default:
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
