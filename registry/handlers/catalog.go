package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/handlers"

	"github.com/stowage/stowage/registry/api/errcode"
)

// catalogDispatcher constructs the catalog handler api endpoint.
func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

// catalogHandler handles requests for the repository catalog.
type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

// GetCatalog returns a json list of the repositories held by the registry,
// sorted lexicographically and paginated via n and last. An empty registry
// yields an empty list, not an error.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	moreEntries := true

	q := r.URL.Query()
	lastEntry := q.Get("last")
	entries := pageLimit(r, ch.Config.Pagination.DefaultLimit, ch.Config.Pagination.MaxLimit)

	repos := make([]string, entries)
	filled, err := ch.App.registry.Repositories(ch, repos, lastEntry)
	if err == io.EOF {
		moreEntries = false
	} else if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")

	// Add a link header if there are more entries to retrieve.
	if moreEntries && filled > 0 {
		lastEntry = repos[filled-1]
		urlStr, err := ch.urlBuilder.BuildCatalogURL(url.Values{
			"n":    []string{fmt.Sprint(entries)},
			"last": []string{lastEntry},
		})
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, urlStr))
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(catalogAPIResponse{
		Repositories: repos[0:filled],
	}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
