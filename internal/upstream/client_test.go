package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gembiz/gateway/internal/pool"
)

func testClient(serverURL string) *Client {
	return NewClient(ClientOptions{
		BaseURL:  serverURL,
		MaxConns: 4,
		Timeout:  5 * time.Second,
	})
}

func testCreds() pool.Credentials {
	return pool.Credentials{
		SecureCSes: "ses-token",
		CSesIdx:    "idx-token",
		HostCOSes:  "oses-token",
	}
}

func TestAPIError_Predicates(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 429}).IsRateLimited())
	assert.False(t, (&APIError{StatusCode: 500}).IsRateLimited())

	for _, status := range []int{400, 404, 413, 422} {
		assert.True(t, (&APIError{StatusCode: status}).IsClientError(), "status %d", status)
	}
	assert.False(t, (&APIError{StatusCode: 401}).IsClientError())
	assert.False(t, (&APIError{StatusCode: 500}).IsClientError())

	assert.True(t, (&APIError{StatusCode: 401}).IsAuthError())
	assert.True(t, (&APIError{StatusCode: 403}).IsAuthError())
	assert.False(t, (&APIError{StatusCode: 429}).IsAuthError())
}

func TestFetchJWT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/widgetJwt:create", r.URL.Path)

		cookie := r.Header.Get("Cookie")
		assert.Contains(t, cookie, "__Secure-C_SES=ses-token")
		assert.Contains(t, cookie, "CSESIDX=idx-token")
		assert.Contains(t, cookie, "__Host-C_OSES=oses-token")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "idx-token", body["csesidx"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":            "minted-jwt",
			"expireTimeMillis": time.Now().Add(time.Hour).UnixMilli(),
		})
	}))
	defer server.Close()

	client := testClient(server.URL)
	token, expiresAt, err := client.FetchJWT(context.Background(), testCreds(), "req-1")

	require.NoError(t, err)
	assert.Equal(t, "minted-jwt", token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)
}

func TestFetchJWT_RejectedCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, _, err := client.FetchJWT(context.Background(), testCreds(), "req-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsAuthError())
}

func newStaticTokenAccount(configID string) *pool.Account {
	acct := pool.NewAccount(pool.AccountOptions{
		ID:       "a1",
		ConfigID: configID,
		Creds:    testCreds(),
	})
	acct.SetTokenSource(staticToken{})
	return acct
}

type staticToken struct{}

func (staticToken) FetchJWT(ctx context.Context, creds pool.Credentials, requestID string) (string, time.Time, error) {
	return "static-jwt", time.Now().Add(time.Hour), nil
}

func TestCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/widgetCreateSession", r.URL.Path)
		assert.Equal(t, "Bearer static-jwt", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cfg-42", body["configId"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"session": map[string]string{"name": "sessions/abc123"},
		})
	}))
	defer server.Close()

	client := testClient(server.URL)
	sessionID, err := client.CreateSession(context.Background(), newStaticTokenAccount("cfg-42"), "req-1")

	require.NoError(t, err)
	assert.Equal(t, "sessions/abc123", sessionID)
}

func TestStreamAssist(t *testing.T) {
	stream := `[
	  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"thinking about it","thought":true}}}]}}},
	  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"Hello "}}}]}}},
	  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"world"}}}]}}}
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/widgetStreamAssist", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assist, ok := body["streamAssistRequest"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "sessions/abc123", assist["session"])

		_, _ = w.Write([]byte(stream))
	}))
	defer server.Close()

	client := testClient(server.URL)

	var text, reasoning strings.Builder
	err := client.StreamAssist(context.Background(), newStaticTokenAccount("cfg-42"), "sessions/abc123", "hi", TurnOptions{}, func(f Fragment) error {
		if f.Thought {
			reasoning.WriteString(f.Text)
		} else {
			text.WriteString(f.Text)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello world", text.String())
	assert.Equal(t, "thinking about it", reasoning.String())
}

func TestStreamAssist_HTTPErrorBeforeFragments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := testClient(server.URL)
	called := false
	err := client.StreamAssist(context.Background(), newStaticTokenAccount("cfg"), "s", "hi", TurnOptions{}, func(Fragment) error {
		called = true
		return nil
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())
	assert.False(t, called, "no fragment callback on an error status")
}

func TestDecodeAssistStream_TruncatedStreamKeepsCompleteElements(t *testing.T) {
	// The trailing bracket never arrived; everything decoded so far is
	// still delivered.
	stream := `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"partial"}}}]}}}`

	var got []string
	err := decodeAssistStream(strings.NewReader(stream), func(f Fragment) error {
		got = append(got, f.Text)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, got)
}

func TestDecodeAssistStream_EmptyBody(t *testing.T) {
	err := decodeAssistStream(strings.NewReader(""), func(Fragment) error {
		t.Fatal("no fragments expected")
		return nil
	})
	assert.NoError(t, err)
}

func TestDecodeAssistStream_SkipsEmptyText(t *testing.T) {
	stream := `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":""}}}]}}}]`

	err := decodeAssistStream(strings.NewReader(stream), func(Fragment) error {
		t.Fatal("empty fragments must be skipped")
		return nil
	})
	assert.NoError(t, err)
}

func TestStreamAssist_SendsFileIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assist := body["streamAssistRequest"].(map[string]interface{})
		assert.Equal(t, []interface{}{"f-1", "f-2"}, assist["fileIds"])

		_, _ = w.Write([]byte(`[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"ok"}}}]}}}]`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	opts := TurnOptions{FileIDs: []string{"f-1", "f-2"}}
	err := client.StreamAssist(context.Background(), newStaticTokenAccount("cfg"), "s", "hi", opts, func(Fragment) error {
		return nil
	})
	require.NoError(t, err)
}

func TestDecodeAssistStream_FileFragments(t *testing.T) {
	stream := `[
	  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"here you go"}}}]}}},
	  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"file":{"fileId":"gen-1","mimeType":"image/jpeg"}}}}]}}},
	  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"file":{"fileId":"gen-2"}}}}]}}}
	]`

	var files []Fragment
	err := decodeAssistStream(strings.NewReader(stream), func(f Fragment) error {
		if f.FileID != "" {
			files = append(files, f)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "gen-1", files[0].FileID)
	assert.Equal(t, "image/jpeg", files[0].MimeType)
	assert.Equal(t, "gen-2", files[1].FileID)
	assert.Equal(t, "image/png", files[1].MimeType, "mime type defaults to png")
}

func TestUploadContextFile(t *testing.T) {
	payload := []byte("image-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/widgetAddContextFile", r.URL.Path)
		assert.Equal(t, "Bearer static-jwt", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		req := body["addContextFileRequest"].(map[string]interface{})
		assert.Equal(t, "sessions/abc123", req["session"])
		assert.Equal(t, "image/png", req["mimeType"])
		assert.Equal(t, base64.StdEncoding.EncodeToString(payload), req["fileContents"])

		_ = json.NewEncoder(w).Encode(map[string]string{"fileId": "file-77"})
	}))
	defer server.Close()

	client := testClient(server.URL)
	fileID, err := client.UploadContextFile(context.Background(), newStaticTokenAccount("cfg-42"), "sessions/abc123", "image/png", payload)

	require.NoError(t, err)
	assert.Equal(t, "file-77", fileID)
}

func TestUploadContextFile_MissingFileID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.UploadContextFile(context.Background(), newStaticTokenAccount("cfg"), "s", "image/png", []byte("x"))
	assert.Error(t, err)
}

func TestDownloadFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/widgetDownloadFile", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		req := body["downloadFileRequest"].(map[string]interface{})
		assert.Equal(t, "sessions/abc123", req["session"])
		assert.Equal(t, "file-77", req["fileId"])

		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	data, err := client.DownloadFile(context.Background(), newStaticTokenAccount("cfg-42"), "sessions/abc123", "file-77")

	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestDownloadFile_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.DownloadFile(context.Background(), newStaticTokenAccount("cfg"), "s", "file-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
