package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/vincent-petithory/dataurl"

	"github.com/AaronLay10/SceneForge/internal/workflow"
)

// maxErrorBody bounds how much of an error response we keep for messages.
const maxErrorBody = 4096

// Handle identifies a submitted execution.
type Handle struct {
	PromptID string
	Number   int
}

// ArtifactRef locates an output file on the server.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is the execution record for one prompt. Outputs stays raw so
// Refs can walk the nodes in the order the server listed them.
type HistoryEntry struct {
	Outputs json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

func (s *Session) endpoint(path string, query url.Values) string {
	u := *s.httpBase
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type submitRequest struct {
	Prompt   *workflow.Graph `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
	Error      json.RawMessage `json:"error"`
}

// Submit queues g for execution under this session's client id.
func (s *Session) Submit(ctx context.Context, g *workflow.Graph) (Handle, error) {
	body, err := json.Marshal(submitRequest{Prompt: g, ClientID: s.clientID})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: encode workflow: %v", ErrSubmission, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/prompt", nil), bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: read response: %v", ErrSubmission, err)
	}

	var out submitResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Handle{}, fmt.Errorf("%w: HTTP %d: %s", ErrSubmission, resp.StatusCode, serverError(out, raw))
	}
	if decodeErr != nil {
		return Handle{}, fmt.Errorf("%w: decode response: %v", ErrSubmission, decodeErr)
	}
	if out.PromptID == "" {
		return Handle{}, fmt.Errorf("%w: response has no prompt_id", ErrSubmission)
	}

	s.log.Debug().Str("prompt_id", out.PromptID).Int("number", out.Number).Msg("workflow queued")
	return Handle{PromptID: out.PromptID, Number: out.Number}, nil
}

// serverError extracts the message ComfyUI puts in a rejected submission.
func serverError(out submitResponse, raw []byte) string {
	if len(out.Error) > 0 {
		var e struct {
			Message string `json:"message"`
			Details string `json:"details"`
		}
		if json.Unmarshal(out.Error, &e) == nil && e.Message != "" {
			if e.Details != "" {
				return e.Message + ": " + e.Details
			}
			return e.Message
		}
		var msg string
		if json.Unmarshal(out.Error, &msg) == nil && msg != "" {
			return msg
		}
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return strings.TrimSpace(string(raw))
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadReference uploads an input image. payload is either a data URI or
// the raw file content. It returns the filename the server stored it under.
func (s *Session) UploadReference(ctx context.Context, payload, filename, folderType string) (string, error) {
	if filename == "" {
		filename = "image.jpg"
	}
	if folderType == "" {
		folderType = "input"
	}

	data := []byte(payload)
	contentType := "application/octet-stream"
	if strings.HasPrefix(payload, "data:") {
		du, err := dataurl.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("%w: invalid data URI: %v", ErrUpload, err)
		}
		data = du.Data
		contentType = du.MediaType.ContentType()
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image payload", ErrUpload)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := mw.WriteField("type", folderType); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := mw.WriteField("overwrite", "false"); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/upload/image", nil), &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrUpload, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpload, err)
	}
	if out.Name == "" {
		return "", fmt.Errorf("%w: response has no name", ErrUpload)
	}

	s.log.Debug().Str("name", out.Name).Int("bytes", len(data)).Msg("reference uploaded")
	return out.Name, nil
}

// History fetches the execution record for promptID.
func (s *Session) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/history/"+url.PathEscape(promptID), nil), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrHistoryUnavailable, resp.StatusCode)
	}

	var all map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrHistoryUnavailable, err)
	}
	raw, ok := all[promptID]
	if !ok {
		return nil, fmt.Errorf("%w: no entry for prompt %s", ErrHistoryUnavailable, promptID)
	}

	var entry HistoryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: decode entry: %v", ErrHistoryUnavailable, err)
	}
	return &entry, nil
}

// View downloads an artifact's bytes.
func (s *Session) View(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	q := url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {ref.Type},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/view", q), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("view %s: HTTP %d", ref.Filename, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Interrupt asks the server to stop the prompt it is currently executing.
func (s *Session) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/interrupt", nil), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("interrupt: HTTP %d", resp.StatusCode)
	}
	return nil
}

// QueueRemaining returns how many prompts the server still has queued.
func (s *Session) QueueRemaining(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/prompt", nil), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("queue: HTTP %d", resp.StatusCode)
	}

	var out struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("queue: decode: %v", err)
	}
	return out.ExecInfo.QueueRemaining, nil
}
