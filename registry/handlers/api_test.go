package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/configuration"
	"github.com/stowage/stowage/manifest/ocischema"
	"github.com/stowage/stowage/registry/api/errcode"
	v2 "github.com/stowage/stowage/registry/api/v2"
	_ "github.com/stowage/stowage/registry/storage/driver/inmemory"
)

type testEnv struct {
	server  *httptest.Server
	builder *v2.URLBuilder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	config := &configuration.Configuration{
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
	}
	config.Uploads.Timeout = time.Hour
	config.Uploads.PurgeInterval = time.Hour
	config.Pagination.DefaultLimit = 100
	config.Pagination.MaxLimit = 1000

	app, err := NewApp(context.Background(), config)
	if err != nil {
		t.Fatalf("error creating app: %v", err)
	}

	server := httptest.NewServer(app)
	t.Cleanup(func() {
		server.Close()
		app.Shutdown()
	})

	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("error parsing server url: %v", err)
	}

	return &testEnv{
		server:  server,
		builder: v2.NewURLBuilder(serverURL, false),
	}
}

func newRandomBlob(size int) ([]byte, digest.Digest) {
	b := make([]byte, size)
	rand.Read(b)
	return b, digest.FromBytes(b)
}

func mustNamed(t *testing.T, name string) reference.Named {
	t.Helper()
	named, err := reference.WithName(name)
	if err != nil {
		t.Fatalf("error parsing name %q: %v", name, err)
	}
	return named
}

func checkResponse(t *testing.T, msg string, resp *http.Response, expectedStatus int) {
	t.Helper()
	if resp.StatusCode != expectedStatus {
		t.Fatalf("unexpected status %s: %v != %v", msg, resp.StatusCode, expectedStatus)
	}

	// All API responses carry the distribution API version header.
	if v := resp.Header.Get("Docker-Distribution-API-Version"); v != "registry/2.0" {
		t.Fatalf("unexpected API version header %s: %q", msg, v)
	}
}

// checkBodyHasErrorCodes ensures the response body contains an error
// envelope naming each of the given codes.
func checkBodyHasErrorCodes(t *testing.T, msg string, resp *http.Response, errorCodes ...errcode.ErrorCode) {
	t.Helper()

	p, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("%s: error reading body: %v", msg, err)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("%s: unexpected content type %q", msg, ct)
	}

	var errs errcode.Errors
	if err := json.Unmarshal(p, &errs); err != nil {
		t.Fatalf("%s: error decoding error envelope %q: %v", msg, p, err)
	}
	if len(errs) == 0 {
		t.Fatalf("%s: expected errors in response", msg)
	}

	counts := map[errcode.ErrorCode]int{}
	for _, e := range errs {
		ec, ok := e.(errcode.ErrorCoder)
		if !ok {
			t.Fatalf("%s: not an ErrorCoder: %#v", msg, e)
		}
		counts[ec.ErrorCode()]++
	}

	for _, code := range errorCodes {
		if counts[code] == 0 {
			t.Fatalf("%s: expected error code %v in %q", msg, code, p)
		}
	}
}

func doRequest(t *testing.T, method, urlStr string, body io.Reader, headers http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, urlStr, body)
	if err != nil {
		t.Fatalf("error creating request: %v", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("error doing request: %v", err)
	}
	return resp
}

// startPushLayer starts an upload session, returning the session location
// and upload uuid.
func startPushLayer(t *testing.T, env *testEnv, name reference.Named) (string, string) {
	t.Helper()

	uploadURL, err := env.builder.BuildBlobUploadURL(name)
	if err != nil {
		t.Fatalf("error building upload url: %v", err)
	}

	resp, err := http.Post(uploadURL, "", nil)
	if err != nil {
		t.Fatalf("error starting layer push: %v", err)
	}
	defer resp.Body.Close()

	checkResponse(t, "starting layer push", resp, http.StatusAccepted)

	location := resp.Header.Get("Location")
	uploadUUID := resp.Header.Get("Docker-Upload-UUID")
	if location == "" || uploadUUID == "" {
		t.Fatalf("missing upload session headers: location=%q uuid=%q", location, uploadUUID)
	}
	if rng := resp.Header.Get("Range"); rng != "0-0" {
		t.Fatalf("unexpected range on fresh session: %q", rng)
	}

	return location, uploadUUID
}

// pushLayer does a monolithic upload of the given content, verifying the
// created headers, and returns the blob location.
func pushLayer(t *testing.T, env *testEnv, name reference.Named, dgst digest.Digest, uploadURLBase string, body io.Reader) string {
	t.Helper()

	u, err := url.Parse(uploadURLBase)
	if err != nil {
		t.Fatalf("error parsing upload url: %v", err)
	}
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()

	resp := doRequest(t, http.MethodPut, u.String(), body, http.Header{
		"Content-Type": []string{"application/octet-stream"},
	})
	defer resp.Body.Close()

	checkResponse(t, "putting monolithic chunk", resp, http.StatusCreated)

	ref, err := reference.WithDigest(name, dgst)
	if err != nil {
		t.Fatal(err)
	}
	expectedLayerURL, err := env.builder.BuildBlobURL(ref)
	if err != nil {
		t.Fatalf("error building expected layer url: %v", err)
	}

	if location := resp.Header.Get("Location"); location != expectedLayerURL {
		t.Fatalf("unexpected layer location: %q != %q", location, expectedLayerURL)
	}
	if d := resp.Header.Get("Docker-Content-Digest"); d != dgst.String() {
		t.Fatalf("unexpected content digest header: %q != %q", d, dgst)
	}

	return resp.Header.Get("Location")
}

// createRepository pushes a complete tagged image into the named repository
// and returns the manifest digest.
func createRepository(t *testing.T, env *testEnv, repoName, tag string) digest.Digest {
	t.Helper()
	name := mustNamed(t, repoName)

	configPayload, configDgst := newRandomBlob(64)
	location, _ := startPushLayer(t, env, name)
	pushLayer(t, env, name, configDgst, location, bytes.NewReader(configPayload))

	layerPayload, layerDgst := newRandomBlob(1024)
	location, _ = startPushLayer(t, env, name)
	pushLayer(t, env, name, layerDgst, location, bytes.NewReader(layerPayload))

	m := ocischema.Manifest{
		Versioned: ocischema.SchemaVersion,
		Config: stowage.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDgst,
			Size:      int64(len(configPayload)),
		},
		Layers: []stowage.Descriptor{
			{
				MediaType: v1.MediaTypeImageLayerGzip,
				Digest:    layerDgst,
				Size:      int64(len(layerPayload)),
			},
		},
	}

	dm, err := ocischema.FromStruct(m)
	if err != nil {
		t.Fatalf("error building manifest: %v", err)
	}
	_, payload, err := dm.Payload()
	if err != nil {
		t.Fatal(err)
	}

	tagRef, err := reference.WithTag(name, tag)
	if err != nil {
		t.Fatal(err)
	}
	manifestURL, err := env.builder.BuildManifestURL(tagRef)
	if err != nil {
		t.Fatalf("error building manifest url: %v", err)
	}

	resp := doRequest(t, http.MethodPut, manifestURL, bytes.NewReader(payload), http.Header{
		"Content-Type": []string{v1.MediaTypeImageManifest},
	})
	defer resp.Body.Close()
	checkResponse(t, "putting manifest", resp, http.StatusCreated)

	return digest.FromBytes(payload)
}

func TestCheckAPI(t *testing.T) {
	env := newTestEnv(t)

	baseURL, err := env.builder.BuildBaseURL()
	if err != nil {
		t.Fatalf("error building base url: %v", err)
	}

	resp, err := http.Get(baseURL)
	if err != nil {
		t.Fatalf("unexpected error issuing request: %v", err)
	}
	defer resp.Body.Close()

	checkResponse(t, "issuing api base check", resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	p, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unexpected error reading response body: %v", err)
	}
	if string(p) != "{}" {
		t.Fatalf("unexpected body: %q", p)
	}
}

func TestBlobAPI(t *testing.T) {
	env := newTestEnv(t)
	name := mustNamed(t, "foo/bar")

	layerPayload, layerDgst := newRandomBlob(2048)
	ref, _ := reference.WithDigest(name, layerDgst)
	layerURL, err := env.builder.BuildBlobURL(ref)
	if err != nil {
		t.Fatalf("error building blob url: %v", err)
	}

	// Fetching a blob that does not exist is a 404.
	resp, err := http.Get(layerURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching unknown blob", resp, http.StatusNotFound)
	checkBodyHasErrorCodes(t, "fetching unknown blob", resp, v2.ErrorCodeBlobUnknown)
	resp.Body.Close()

	// A syntactically broken digest is refused outright.
	badDigestURL := env.server.URL + "/v2/foo/bar/blobs/sha256:abcd"
	resp, err = http.Get(badDigestURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching bad digest", resp, http.StatusBadRequest)
	checkBodyHasErrorCodes(t, "fetching bad digest", resp, v2.ErrorCodeDigestInvalid)
	resp.Body.Close()

	// Monolithic upload.
	location, _ := startPushLayer(t, env, name)
	pushLayer(t, env, name, layerDgst, location, bytes.NewReader(layerPayload))

	// HEAD, then GET the blob back.
	resp = doRequest(t, http.MethodHead, layerURL, nil, nil)
	checkResponse(t, "checking head on existing layer", resp, http.StatusOK)
	if cl := resp.Header.Get("Content-Length"); cl != fmt.Sprint(len(layerPayload)) {
		t.Fatalf("unexpected content length: %q", cl)
	}
	resp.Body.Close()

	resp, err = http.Get(layerURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching layer", resp, http.StatusOK)
	p, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, layerPayload) {
		t.Fatal("fetched layer does not match pushed content")
	}

	// A single byte range is served as a 206 partial response.
	resp = doRequest(t, http.MethodGet, layerURL, nil, http.Header{
		"Range": []string{"bytes=0-1023"},
	})
	checkResponse(t, "fetching layer range", resp, http.StatusPartialContent)
	p, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, layerPayload[:1024]) {
		t.Fatal("partial response does not match requested range")
	}

	// An unsatisfiable range reports the blob size.
	resp = doRequest(t, http.MethodGet, layerURL, nil, http.Header{
		"Range": []string{fmt.Sprintf("bytes=%d-%d", len(layerPayload)+100, len(layerPayload)+200)},
	})
	checkResponse(t, "fetching unsatisfiable layer range", resp, http.StatusRequestedRangeNotSatisfiable)
	if cr := resp.Header.Get("Content-Range"); cr != fmt.Sprintf("bytes */%d", len(layerPayload)) {
		t.Fatalf("unexpected content range on 416: %q", cr)
	}
	resp.Body.Close()

	// An upload completed with the wrong digest must fail verification.
	location, _ = startPushLayer(t, env, name)
	_, wrongDgst := newRandomBlob(16)
	u, _ := url.Parse(location)
	q := u.Query()
	q.Set("digest", wrongDgst.String())
	u.RawQuery = q.Encode()
	resp = doRequest(t, http.MethodPut, u.String(), bytes.NewReader(layerPayload), nil)
	checkResponse(t, "putting blob with bad digest", resp, http.StatusBadRequest)
	checkBodyHasErrorCodes(t, "putting blob with bad digest", resp, v2.ErrorCodeDigestInvalid)
	resp.Body.Close()

	// Delete, then verify it is gone.
	resp = doRequest(t, http.MethodDelete, layerURL, nil, nil)
	checkResponse(t, "deleting layer", resp, http.StatusAccepted)
	resp.Body.Close()

	resp = doRequest(t, http.MethodHead, layerURL, nil, nil)
	checkResponse(t, "checking deleted layer", resp, http.StatusNotFound)
	resp.Body.Close()

	resp = doRequest(t, http.MethodDelete, layerURL, nil, nil)
	checkResponse(t, "deleting deleted layer", resp, http.StatusNotFound)
	checkBodyHasErrorCodes(t, "deleting deleted layer", resp, v2.ErrorCodeBlobUnknown)
	resp.Body.Close()
}

func TestBlobUploadChunked(t *testing.T) {
	env := newTestEnv(t)
	name := mustNamed(t, "foo/bar")

	layerPayload, layerDgst := newRandomBlob(2048)
	chunk1 := layerPayload[:1024]
	chunk2 := layerPayload[1024:]

	location, uploadUUID := startPushLayer(t, env, name)

	// First chunk.
	resp := doRequest(t, http.MethodPatch, location, bytes.NewReader(chunk1), http.Header{
		"Content-Type":  []string{"application/octet-stream"},
		"Content-Range": []string{fmt.Sprintf("0-%d", len(chunk1)-1)},
	})
	checkResponse(t, "patching first chunk", resp, http.StatusAccepted)
	if rng := resp.Header.Get("Range"); rng != fmt.Sprintf("0-%d", len(chunk1)-1) {
		t.Fatalf("unexpected range after first chunk: %q", rng)
	}
	if u := resp.Header.Get("Docker-Upload-UUID"); u != uploadUUID {
		t.Fatalf("upload uuid changed: %q != %q", u, uploadUUID)
	}
	location = resp.Header.Get("Location")
	resp.Body.Close()

	// Re-sending the first chunk is out of order and must be refused.
	resp = doRequest(t, http.MethodPatch, location, bytes.NewReader(chunk1), http.Header{
		"Content-Type":  []string{"application/octet-stream"},
		"Content-Range": []string{fmt.Sprintf("0-%d", len(chunk1)-1)},
	})
	checkResponse(t, "patching out of order chunk", resp, http.StatusRequestedRangeNotSatisfiable)
	if rng := resp.Header.Get("Range"); rng != fmt.Sprintf("0-%d", len(chunk1)-1) {
		t.Fatalf("416 response does not reflect session tail: %q", rng)
	}
	resp.Body.Close()

	// The same stale range sent with chunked transfer encoding carries no
	// Content-Length; contiguity must still be enforced. Wrapping the
	// reader hides its length from the http client.
	resp = doRequest(t, http.MethodPatch, location, struct{ io.Reader }{bytes.NewReader(chunk1)}, http.Header{
		"Content-Type":  []string{"application/octet-stream"},
		"Content-Range": []string{fmt.Sprintf("0-%d", len(chunk1)-1)},
	})
	checkResponse(t, "patching stale chunk without content length", resp, http.StatusRequestedRangeNotSatisfiable)
	resp.Body.Close()

	// Upload status reflects the current tail.
	resp = doRequest(t, http.MethodGet, location, nil, nil)
	checkResponse(t, "getting upload status", resp, http.StatusNoContent)
	if rng := resp.Header.Get("Range"); rng != fmt.Sprintf("0-%d", len(chunk1)-1) {
		t.Fatalf("unexpected status range: %q", rng)
	}
	resp.Body.Close()

	// Second chunk at the correct offset.
	resp = doRequest(t, http.MethodPatch, location, bytes.NewReader(chunk2), http.Header{
		"Content-Type":  []string{"application/octet-stream"},
		"Content-Range": []string{fmt.Sprintf("%d-%d", len(chunk1), len(layerPayload)-1)},
	})
	checkResponse(t, "patching second chunk", resp, http.StatusAccepted)
	location = resp.Header.Get("Location")
	resp.Body.Close()

	// Complete with no body.
	u, _ := url.Parse(location)
	q := u.Query()
	q.Set("digest", layerDgst.String())
	u.RawQuery = q.Encode()
	resp = doRequest(t, http.MethodPut, u.String(), nil, nil)
	checkResponse(t, "completing chunked upload", resp, http.StatusCreated)
	resp.Body.Close()

	ref, _ := reference.WithDigest(name, layerDgst)
	layerURL, _ := env.builder.BuildBlobURL(ref)
	resp, err := http.Get(layerURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching chunked layer", resp, http.StatusOK)
	p, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(p, layerPayload) {
		t.Fatal("reassembled layer does not match pushed chunks")
	}

	// Cancel a session; its status must be gone afterwards.
	location, _ = startPushLayer(t, env, name)
	resp = doRequest(t, http.MethodDelete, location, nil, nil)
	checkResponse(t, "canceling upload", resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, location, nil, nil)
	checkResponse(t, "getting canceled upload status", resp, http.StatusNotFound)
	checkBodyHasErrorCodes(t, "getting canceled upload status", resp, v2.ErrorCodeBlobUploadUnknown)
	resp.Body.Close()
}

func TestBlobMount(t *testing.T) {
	env := newTestEnv(t)
	source := mustNamed(t, "foo/source")
	dest := mustNamed(t, "foo/dest")

	layerPayload, layerDgst := newRandomBlob(512)
	location, _ := startPushLayer(t, env, source)
	pushLayer(t, env, source, layerDgst, location, bytes.NewReader(layerPayload))

	uploadURL, err := env.builder.BuildBlobUploadURL(dest, url.Values{
		"mount": []string{layerDgst.String()},
		"from":  []string{source.Name()},
	})
	if err != nil {
		t.Fatalf("error building mount url: %v", err)
	}

	resp, err := http.Post(uploadURL, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	checkResponse(t, "mounting blob across repositories", resp, http.StatusCreated)
	if d := resp.Header.Get("Docker-Content-Digest"); d != layerDgst.String() {
		t.Fatalf("unexpected mounted digest: %q", d)
	}

	ref, _ := reference.WithDigest(dest, layerDgst)
	destURL, _ := env.builder.BuildBlobURL(ref)
	headResp := doRequest(t, http.MethodHead, destURL, nil, nil)
	checkResponse(t, "checking mounted blob", headResp, http.StatusOK)
	headResp.Body.Close()

	// Mounting from a repository missing the blob falls back to a session.
	uploadURL, err = env.builder.BuildBlobUploadURL(dest, url.Values{
		"mount": []string{layerDgst.String()},
		"from":  []string{"foo/nosuchrepo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	fallbackResp, err := http.Post(uploadURL, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fallbackResp.Body.Close()
	checkResponse(t, "mounting from unknown repository", fallbackResp, http.StatusAccepted)
	if fallbackResp.Header.Get("Docker-Upload-UUID") == "" {
		t.Fatal("fallback mount did not open an upload session")
	}

	// Deleting the blob in the destination removes only that link; the
	// source repository still references the content. Neither repository
	// holds a manifest at this point.
	delResp := doRequest(t, http.MethodDelete, destURL, nil, nil)
	checkResponse(t, "deleting mounted blob from destination", delResp, http.StatusAccepted)
	delResp.Body.Close()

	srcRef, _ := reference.WithDigest(source, layerDgst)
	srcURL, _ := env.builder.BuildBlobURL(srcRef)
	srcResp := doRequest(t, http.MethodHead, srcURL, nil, nil)
	checkResponse(t, "source blob after destination delete", srcResp, http.StatusOK)
	srcResp.Body.Close()
}

func TestManifestAPI(t *testing.T) {
	env := newTestEnv(t)
	repoName := "foo/image"
	name := mustNamed(t, repoName)

	tagRef, _ := reference.WithTag(name, "latest")
	manifestURL, err := env.builder.BuildManifestURL(tagRef)
	if err != nil {
		t.Fatalf("error building manifest url: %v", err)
	}

	// Unknown tag is a 404.
	resp, err := http.Get(manifestURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "getting unknown manifest tag", resp, http.StatusNotFound)
	checkBodyHasErrorCodes(t, "getting unknown manifest tag", resp, v2.ErrorCodeManifestUnknown)
	resp.Body.Close()

	manifestDgst := createRepository(t, env, repoName, "latest")

	// Fetch by tag.
	resp, err = http.Get(manifestURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching manifest by tag", resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != v1.MediaTypeImageManifest {
		t.Fatalf("unexpected manifest content type: %q", ct)
	}
	if d := resp.Header.Get("Docker-Content-Digest"); d != manifestDgst.String() {
		t.Fatalf("unexpected manifest digest header: %q != %q", d, manifestDgst)
	}
	if etag := resp.Header.Get("Etag"); etag != fmt.Sprintf("%q", manifestDgst) {
		t.Fatalf("unexpected etag: %q", etag)
	}
	fetchedPayload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if digest.FromBytes(fetchedPayload) != manifestDgst {
		t.Fatal("fetched manifest payload does not match digest")
	}

	// Fetch by digest.
	dgstRef, _ := reference.WithDigest(name, manifestDgst)
	manifestDigestURL, err := env.builder.BuildManifestURL(dgstRef)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(manifestDigestURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching manifest by digest", resp, http.StatusOK)
	resp.Body.Close()

	// Conditional fetch with a matching etag short-circuits.
	resp = doRequest(t, http.MethodGet, manifestURL, nil, http.Header{
		"If-None-Match": []string{fmt.Sprintf("%q", manifestDgst)},
	})
	checkResponse(t, "conditional manifest fetch", resp, http.StatusNotModified)
	resp.Body.Close()

	// A client that cannot accept the stored media type gets a 406.
	resp = doRequest(t, http.MethodGet, manifestURL, nil, http.Header{
		"Accept": []string{"application/vnd.docker.distribution.manifest.v1+prettyjws"},
	})
	checkResponse(t, "fetching manifest with unacceptable accept header", resp, http.StatusNotAcceptable)
	checkBodyHasErrorCodes(t, "fetching manifest with unacceptable accept header", resp, v2.ErrorCodeManifestUnacceptable)
	resp.Body.Close()

	// Wildcard accept headers are fine.
	resp = doRequest(t, http.MethodGet, manifestURL, nil, http.Header{
		"Accept": []string{"application/*"},
	})
	checkResponse(t, "fetching manifest with wildcard accept header", resp, http.StatusOK)
	resp.Body.Close()

	// Pushing an unregistered media type is refused with 415.
	resp = doRequest(t, http.MethodPut, manifestURL, bytes.NewReader(fetchedPayload), http.Header{
		"Content-Type": []string{"text/plain"},
	})
	checkResponse(t, "putting manifest with unsupported media type", resp, http.StatusUnsupportedMediaType)
	checkBodyHasErrorCodes(t, "putting manifest with unsupported media type", resp, errcode.ErrorCodeUnsupported)
	resp.Body.Close()

	// Pushing garbage under a supported media type is invalid.
	resp = doRequest(t, http.MethodPut, manifestURL, bytes.NewReader([]byte("not a manifest")), http.Header{
		"Content-Type": []string{v1.MediaTypeImageManifest},
	})
	checkResponse(t, "putting malformed manifest", resp, http.StatusBadRequest)
	checkBodyHasErrorCodes(t, "putting malformed manifest", resp, v2.ErrorCodeManifestInvalid)
	resp.Body.Close()

	// Deleting by tag is unsupported; clients must delete by digest.
	resp = doRequest(t, http.MethodDelete, manifestURL, nil, nil)
	checkResponse(t, "deleting manifest by tag", resp, http.StatusUnsupportedMediaType)
	checkBodyHasErrorCodes(t, "deleting manifest by tag", resp, errcode.ErrorCodeUnsupported)
	resp.Body.Close()

	// Delete by digest, then the tag no longer resolves.
	resp = doRequest(t, http.MethodDelete, manifestDigestURL, nil, nil)
	checkResponse(t, "deleting manifest", resp, http.StatusAccepted)
	resp.Body.Close()

	resp, err = http.Get(manifestURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "fetching deleted manifest", resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestManifestPutMissingBlobs(t *testing.T) {
	env := newTestEnv(t)
	name := mustNamed(t, "foo/incomplete")

	_, configDgst := newRandomBlob(64)
	_, layerDgst := newRandomBlob(1024)

	m := ocischema.Manifest{
		Versioned: ocischema.SchemaVersion,
		Config: stowage.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDgst,
			Size:      64,
		},
		Layers: []stowage.Descriptor{
			{
				MediaType: v1.MediaTypeImageLayerGzip,
				Digest:    layerDgst,
				Size:      1024,
			},
		},
	}

	dm, err := ocischema.FromStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	_, payload, err := dm.Payload()
	if err != nil {
		t.Fatal(err)
	}

	tagRef, _ := reference.WithTag(name, "latest")
	manifestURL, err := env.builder.BuildManifestURL(tagRef)
	if err != nil {
		t.Fatal(err)
	}

	resp := doRequest(t, http.MethodPut, manifestURL, bytes.NewReader(payload), http.Header{
		"Content-Type": []string{v1.MediaTypeImageManifest},
	})
	defer resp.Body.Close()

	checkResponse(t, "putting manifest with unknown blobs", resp, http.StatusNotFound)
	checkBodyHasErrorCodes(t, "putting manifest with unknown blobs", resp,
		v2.ErrorCodeManifestBlobUnknown, v2.ErrorCodeManifestBlobUnknown)
}

func TestTagsAPI(t *testing.T) {
	env := newTestEnv(t)
	repoName := "foo/tagged"
	name := mustNamed(t, repoName)

	// Unknown repository yields NAME_UNKNOWN.
	tagsURL, err := env.builder.BuildTagsURL(name)
	if err != nil {
		t.Fatalf("error building tags url: %v", err)
	}
	resp, err := http.Get(tagsURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing tags of unknown repository", resp, http.StatusNotFound)
	checkBodyHasErrorCodes(t, "listing tags of unknown repository", resp, v2.ErrorCodeNameUnknown)
	resp.Body.Close()

	tags := []string{"1.0.0", "1.0.1", "latest"}
	for _, tag := range tags {
		createRepository(t, env, repoName, tag)
	}

	resp, err = http.Get(tagsURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing tags", resp, http.StatusOK)

	var body tagsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if body.Name != repoName {
		t.Fatalf("unexpected name: %q", body.Name)
	}
	if len(body.Tags) != len(tags) {
		t.Fatalf("unexpected tags: %v", body.Tags)
	}
	for i, tag := range tags {
		if body.Tags[i] != tag {
			t.Fatalf("tags not sorted: %v", body.Tags)
		}
	}

	// Paginate with n=2: first page links to the next.
	pagedURL, err := env.builder.BuildTagsURL(name, url.Values{"n": []string{"2"}})
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(pagedURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing first tag page", resp, http.StatusOK)

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	link := resp.Header.Get("Link")
	resp.Body.Close()

	if len(body.Tags) != 2 || body.Tags[0] != "1.0.0" || body.Tags[1] != "1.0.1" {
		t.Fatalf("unexpected first page: %v", body.Tags)
	}
	expectedLinkURL, err := env.builder.BuildTagsURL(name, url.Values{
		"n":    []string{"2"},
		"last": []string{"1.0.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if link != fmt.Sprintf(`<%s>; rel="next"`, expectedLinkURL) {
		t.Fatalf("unexpected link header: %q", link)
	}

	// The final page has no link.
	resp, err = http.Get(expectedLinkURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing final tag page", resp, http.StatusOK)
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	link = resp.Header.Get("Link")
	resp.Body.Close()

	if len(body.Tags) != 1 || body.Tags[0] != "latest" {
		t.Fatalf("unexpected final page: %v", body.Tags)
	}
	if link != "" {
		t.Fatalf("unexpected link on final page: %q", link)
	}
}

func TestCatalogAPI(t *testing.T) {
	env := newTestEnv(t)

	catalogURL, err := env.builder.BuildCatalogURL()
	if err != nil {
		t.Fatalf("error building catalog url: %v", err)
	}

	// Empty registry responds with an empty list.
	resp, err := http.Get(catalogURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing empty catalog", resp, http.StatusOK)

	var body catalogAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(body.Repositories) != 0 {
		t.Fatalf("unexpected repositories in empty registry: %v", body.Repositories)
	}

	repos := []string{"test/a", "test/b", "test/c"}
	for _, repo := range repos {
		createRepository(t, env, repo, "latest")
	}

	resp, err = http.Get(catalogURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing catalog", resp, http.StatusOK)
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(body.Repositories) != len(repos) {
		t.Fatalf("unexpected catalog: %v", body.Repositories)
	}
	for i, repo := range repos {
		if body.Repositories[i] != repo {
			t.Fatalf("catalog not sorted: %v", body.Repositories)
		}
	}

	// Paginate with n=2.
	pagedURL, err := env.builder.BuildCatalogURL(url.Values{"n": []string{"2"}})
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(pagedURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing first catalog page", resp, http.StatusOK)
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	link := resp.Header.Get("Link")
	resp.Body.Close()

	if len(body.Repositories) != 2 {
		t.Fatalf("unexpected first catalog page: %v", body.Repositories)
	}
	expectedLinkURL, err := env.builder.BuildCatalogURL(url.Values{
		"n":    []string{"2"},
		"last": []string{"test/b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if link != fmt.Sprintf(`<%s>; rel="next"`, expectedLinkURL) {
		t.Fatalf("unexpected catalog link header: %q", link)
	}

	resp, err = http.Get(expectedLinkURL)
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, "listing final catalog page", resp, http.StatusOK)
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	link = resp.Header.Get("Link")
	resp.Body.Close()

	if len(body.Repositories) != 1 || body.Repositories[0] != "test/c" {
		t.Fatalf("unexpected final catalog page: %v", body.Repositories)
	}
	if link != "" {
		t.Fatalf("unexpected link on final catalog page: %q", link)
	}
}

// TestTagsAPIDigestOnlyPush lists tags of a repository that only ever
// received manifests by digest. The repository exists, so the listing is an
// empty 200, not NAME_UNKNOWN.
func TestTagsAPIDigestOnlyPush(t *testing.T) {
	env := newTestEnv(t)
	repoName := "foo/untagged"
	name := mustNamed(t, repoName)

	configPayload, configDgst := newRandomBlob(64)
	location, _ := startPushLayer(t, env, name)
	pushLayer(t, env, name, configDgst, location, bytes.NewReader(configPayload))

	m := ocischema.Manifest{
		Versioned: ocischema.SchemaVersion,
		Config: stowage.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDgst,
			Size:      int64(len(configPayload)),
		},
	}
	dm, err := ocischema.FromStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	_, payload, err := dm.Payload()
	if err != nil {
		t.Fatal(err)
	}

	digestRef, err := reference.WithDigest(name, digest.FromBytes(payload))
	if err != nil {
		t.Fatal(err)
	}
	manifestURL, err := env.builder.BuildManifestURL(digestRef)
	if err != nil {
		t.Fatal(err)
	}
	resp := doRequest(t, http.MethodPut, manifestURL, bytes.NewReader(payload), http.Header{
		"Content-Type": []string{v1.MediaTypeImageManifest},
	})
	checkResponse(t, "putting manifest by digest", resp, http.StatusCreated)
	resp.Body.Close()

	tagsURL, err := env.builder.BuildTagsURL(name)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(tagsURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	checkResponse(t, "listing tags of untagged repository", resp, http.StatusOK)

	var body tagsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Name != repoName {
		t.Fatalf("unexpected name: %q", body.Name)
	}
	if len(body.Tags) != 0 {
		t.Fatalf("unexpected tags in untagged repository: %v", body.Tags)
	}
}

// TestUploadReaperShortInterval starts an app whose purge interval is too
// small to jitter. The reaper must come up and shut down cleanly.
func TestUploadReaperShortInterval(t *testing.T) {
	config := &configuration.Configuration{
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
	}
	config.Uploads.Timeout = time.Hour
	config.Uploads.PurgeInterval = time.Nanosecond

	app, err := NewApp(context.Background(), config)
	if err != nil {
		t.Fatalf("error creating app: %v", err)
	}
	app.Shutdown()
}
