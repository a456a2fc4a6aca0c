package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/handlers"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/registry/api/errcode"
	v2 "github.com/stowage/stowage/registry/api/v2"
)

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagsHandler := &tagsHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(tagsHandler.GetTags),
	}
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// GetTags returns a json list of tags for a specific image name. The list
// is paginated: up to n entries lexicographically after last, with a
// Link header pointing at the next page when more remain.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	tagService := th.Repository.Tags(th)

	q := r.URL.Query()
	limit := pageLimit(r, th.Config.Pagination.DefaultLimit, th.Config.Pagination.MaxLimit)
	last := q.Get("last")

	tags, err := tagService.List(th, limit, last)
	moreEntries := true
	if err != nil {
		switch err := err.(type) {
		case stowage.ErrRepositoryUnknown:
			th.Errors = append(th.Errors, v2.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": th.Repository.Named().Name()}))
			return
		case errcode.Error:
			th.Errors = append(th.Errors, err)
			return
		default:
			if err != io.EOF {
				th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
				return
			}
			// io.EOF means the listing is exhausted; no next page.
			moreEntries = false
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if moreEntries && len(tags) > 0 {
		lastTag := tags[len(tags)-1]
		urlStr, err := th.urlBuilder.BuildTagsURL(th.Repository.Named(), url.Values{
			"n":    []string{fmt.Sprint(limit)},
			"last": []string{lastTag},
		})
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, urlStr))
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(tagsAPIResponse{
		Name: th.Repository.Named().Name(),
		Tags: tags,
	}); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
