package api

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/docbase/store"
	"github.com/BaSui01/docbase/types"
)

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint"`
	CorrelationID string `json:"correlation_id"`
}

func sampleDoc() string {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "Paragraph %d describes the installation procedure in detail.\n\n", i)
	}
	return sb.String()
}

func TestUploadAndListFiles(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.uploadFile(t, "manual.txt", sampleDoc())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[uploadResponse](t, resp)
	require.NotNil(t, created.Document)
	assert.Equal(t, "manual.txt", created.Document.Filename)
	assert.Greater(t, created.Passages, 0)
	assert.Equal(t, created.Passages, f.vectors.Len())

	listResp, err := http.Get(f.ts.URL + "/api/files")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listed := decodeBody[struct {
		Files []store.Document `json:"files"`
		Total int              `json:"total"`
	}](t, listResp)
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, created.Document.ID, listed.Files[0].ID)
}

func TestUploadUnsupportedType(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.uploadFile(t, "binary.exe", "MZ...")
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, string(types.ErrUnsupportedFileType), body.Code)
	assert.NotEmpty(t, body.CorrelationID)
	assert.Contains(t, body.Hint, "pdf")
}

func TestUploadUnknownChunkingMethodRejected(t *testing.T) {
	f := newAPIFixture(t)

	req := newMultipartRequest(t, http.MethodPost, f.ts.URL+"/api/files", "notes.txt",
		sampleDoc(), map[string]string{"chunking_method": "quantum"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, string(types.ErrUnsupportedStrategy), body.Code)
}

func TestGetFileAndPassages(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeBody[uploadResponse](t, f.uploadFile(t, "manual.txt", sampleDoc()))

	resp, err := http.Get(fmt.Sprintf("%s/api/files/%d", f.ts.URL, created.Document.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody[store.Document](t, resp)
	assert.Equal(t, "manual.txt", doc.Filename)

	resp, err = http.Get(fmt.Sprintf("%s/api/files/%d/passages", f.ts.URL, created.Document.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	passages := decodeBody[struct {
		Passages []store.Passage `json:"passages"`
		Total    int             `json:"total"`
	}](t, resp)
	assert.Equal(t, created.Passages, passages.Total)
	for i, p := range passages.Passages {
		assert.Equal(t, i, p.ChunkIndex)
	}
}

func TestGetFileNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/files/424242")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, string(types.ErrNotFound), body.Code)
}

func TestDeleteFileRemovesEverything(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeBody[uploadResponse](t, f.uploadFile(t, "manual.txt", sampleDoc()))

	resp := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/files/%d", f.ts.URL, created.Document.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, 0, f.vectors.Len())
	getResp, err := http.Get(fmt.Sprintf("%s/api/files/%d", f.ts.URL, created.Document.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestReingestReplacesPassages(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeBody[uploadResponse](t, f.uploadFile(t, "manual.txt", sampleDoc()))

	req := newMultipartRequest(t, http.MethodPut,
		fmt.Sprintf("%s/api/files/%d", f.ts.URL, created.Document.ID),
		"manual-v2.txt", "One short replacement paragraph.", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[uploadResponse](t, resp)
	assert.Equal(t, created.Document.ID, updated.Document.ID)
	assert.Equal(t, "manual-v2.txt", updated.Document.Filename)
	assert.Less(t, updated.Passages, created.Passages)
	assert.Equal(t, updated.Passages, f.vectors.Len())
}
