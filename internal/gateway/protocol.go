package gateway

import (
	"encoding/json"
	"strings"
)

// Client->server message types (closed set, spec section 4.4.2).
const (
	msgAuth                   = "auth"
	msgInput                  = "input"
	msgInterrupt              = "interrupt"
	msgSetModel               = "set_model"
	msgSetPermissionMode      = "set_permission_mode"
	msgPermissionResponse     = "permission_response"
	msgUserQuestionResponse   = "user_question_response"
	msgListSessions           = "list_sessions"
	msgCreateSession          = "create_session"
	msgSwitchSession          = "switch_session"
	msgDestroySession         = "destroy_session"
	msgRenameSession          = "rename_session"
	msgListDirectory          = "list_directory"
)

// envelope is only used to read the discriminator before deciding how to
// decode the rest of the frame.
type envelope struct {
	Type string `json:"type"`
}

type authFrame struct {
	Token      string          `json:"token"`
	DeviceInfo *deviceInfo     `json:"deviceInfo"`
}

type deviceInfo struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type inputFrame struct {
	Data string `json:"data"`
}

type setModelFrame struct {
	Model string `json:"model"`
}

type setPermissionModeFrame struct {
	Mode      string `json:"mode"`
	Confirmed bool   `json:"confirmed"`
}

type permissionResponseFrame struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

type userQuestionResponseFrame struct {
	Answer string `json:"answer"`
}

type createSessionFrame struct {
	Name string `json:"name"`
	Cwd  string `json:"cwd"`
}

type switchSessionFrame struct {
	SessionID string `json:"sessionId"`
}

type destroySessionFrame struct {
	SessionID string `json:"sessionId"`
}

type renameSessionFrame struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type listDirectoryFrame struct {
	Path string `json:"path"`
}

// decodeField unmarshals raw into dst, returning false (bad_field) on any
// JSON shape mismatch — e.g. `data: 42` on input, a number where a string
// is expected.
func decodeField(raw json.RawMessage, dst any) bool {
	return json.Unmarshal(raw, dst) == nil
}

func nonEmptyTrimmed(s string) (string, bool) {
	t := strings.TrimSpace(s)
	return t, t != ""
}
