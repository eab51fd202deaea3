package ocr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-burner/internal/remote"
)

func TestNormalizeRewritesImagesAndJoinsPages(t *testing.T) {
	resp := &Response{Pages: []Page{
		{
			Markdown: "# Title\n\n![img-0.jpeg](img-0.jpeg)\n",
			Images:   []Image{{ID: "img-0.jpeg", ImageBase64: "AAAA"}},
		},
		{
			Markdown: "![Figure 1](img-1.jpeg) and ![](img-1.jpeg)",
			Images:   []Image{{ID: "img-1.jpeg", ImageBase64: "BBBB"}},
		},
		{
			Markdown: "![skip](img-2.jpeg)",
			Images:   []Image{{ID: "img-2.jpeg"}},
		},
	}}

	doc := Normalize(resp)

	want := "# Title\n\n![img-0.jpeg](images/img-0.jpeg.png)\n\n\n" +
		"![Figure 1](images/img-1.jpeg.png) and ![img-1.jpeg](images/img-1.jpeg.png)\n\n" +
		"![skip](img-2.jpeg)"
	assert.Equal(t, want, doc.Markdown)
	assert.Equal(t, []ImageData{{ID: "img-0.jpeg", Data: "AAAA"}, {ID: "img-1.jpeg", Data: "BBBB"}}, doc.Images)
}

func TestNormalizeEscapesImageID(t *testing.T) {
	resp := &Response{Pages: []Page{{
		Markdown: "![a](img(1).png) ![b](imgX1Y.png)",
		Images:   []Image{{ID: "img(1).png", ImageBase64: "x"}},
	}}}

	doc := Normalize(resp)
	assert.Equal(t, "![a](images/img(1).png.png) ![b](imgX1Y.png)", doc.Markdown)
}

func TestNormalizeNil(t *testing.T) {
	doc := Normalize(nil)
	assert.Empty(t, doc.Markdown)
	assert.Empty(t, doc.Images)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestClientFullFlow(t *testing.T) {
	var deleted string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "ocr", r.FormValue("purpose"))
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, "paper.pdf", hdr.Filename)
			assert.Equal(t, "%PDF-1.4", string(data))
			_, _ = io.WriteString(w, `{"id":"file-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/files/file-1/url":
			assert.Equal(t, "24", r.URL.Query().Get("expiry"))
			_, _ = io.WriteString(w, `{"url":"https://signed/doc"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/ocr":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, DefaultModel, body["model"])
			assert.Equal(t, true, body["include_image_base64"])
			doc := body["document"].(map[string]any)
			assert.Equal(t, "document_url", doc["type"])
			assert.Equal(t, "https://signed/doc", doc["document_url"])
			_, _ = io.WriteString(w, `{"pages":[{"markdown":"hello","images":[]}]}`)
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	ctx := context.Background()
	id, err := c.Upload(ctx, "key-1", "paper.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)

	signed, err := c.SignedURL(ctx, "key-1", id)
	require.NoError(t, err)

	resp, err := c.Process(ctx, "key-1", signed)
	require.NoError(t, err)
	require.Len(t, resp.Pages, 1)
	assert.Equal(t, "hello", resp.Pages[0].Markdown)

	require.NoError(t, c.Delete(ctx, "key-1", id))
	assert.Equal(t, "/files/file-1", deleted)
}

func TestClientClassifiesFailures(t *testing.T) {
	status := http.StatusUnauthorized
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"message":"Unauthorized"}`)
	})

	_, err := c.Upload(context.Background(), "bad", "a.pdf", []byte("x"))
	require.Error(t, err)
	assert.True(t, remote.IsAuth(err))

	status = http.StatusInternalServerError
	_, err = c.SignedURL(context.Background(), "k", "f")
	require.Error(t, err)
	assert.False(t, remote.IsAuth(err))
}

func TestProcessMissingPagesIsExtractionError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	_, err := c.Process(context.Background(), "k", "u")
	require.Error(t, err)
	assert.True(t, remote.IsExtraction(err))
}
