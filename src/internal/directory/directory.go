// Package directory defines the read-only collaborators the task engine
// consults: contacts, integrations, agents with their roles and models, and
// uploaded files.
package directory

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

var ErrNotFound = errors.New("directory: not found")

const (
	ContactTypeContact = "contact"
	ContactTypeGroup   = "group"

	groupSuffix = "@g.us"
)

type Contact struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Phone   string `yaml:"phone,omitempty" json:"phone,omitempty"`
	GroupID string `yaml:"group_id,omitempty" json:"group_id,omitempty"`
}

// Kind defaults an empty type to a plain contact.
func (c Contact) Kind() string {
	if strings.TrimSpace(c.Type) == "" {
		return ContactTypeContact
	}
	return strings.ToLower(strings.TrimSpace(c.Type))
}

func (c Contact) IsGroup() bool { return c.Kind() == ContactTypeGroup }

// Address is the canonical messaging address: the group id for groups,
// the digits-only phone number otherwise.
func (c Contact) Address() string {
	if c.IsGroup() {
		return NormalizeGroupID(c.GroupID)
	}
	return NormalizePhone(c.Phone)
}

type Integration struct {
	ID        string            `yaml:"id" json:"id"`
	Name      string            `yaml:"name" json:"name"`
	Method    string            `yaml:"method" json:"method"`
	URL       string            `yaml:"url" json:"url"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TimeoutMs int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Inactive  bool              `yaml:"inactive,omitempty" json:"inactive,omitempty"`
}

func (i Integration) Active() bool { return !i.Inactive }

type Role struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Detail string `yaml:"detail" json:"detail"`
}

// Model references a provider entry in the config plus the upstream model id.
type Model struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Provider string `yaml:"provider" json:"provider"`
	ModelID  string `yaml:"model_id" json:"model_id"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	EnvKey   string `yaml:"env_key,omitempty" json:"env_key,omitempty"`
}

type Agent struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	RoleID  string `yaml:"role_id" json:"role_id"`
	ModelID string `yaml:"model_id" json:"model_id"`
}

type File struct {
	ID           string `yaml:"id" json:"id"`
	OriginalName string `yaml:"original_name" json:"original_name"`
	Path         string `yaml:"path" json:"path"`
	MimeType     string `yaml:"mime_type,omitempty" json:"mime_type,omitempty"`
}

// FileContext is what the engine injects into prompts for a task file.
type FileContext struct {
	FileID       string
	OriginalName string
	RelativePath string
	AbsolutePath string
	MimeType     string
	Extension    string
	SizeBytes    int64
	ContentText  string
	Note         string
}

type Contacts interface {
	GetContact(ctx context.Context, id string) (Contact, error)
	ListContacts(ctx context.Context) ([]Contact, error)
}

type Integrations interface {
	GetIntegration(ctx context.Context, id string) (Integration, error)
	GetIntegrationByName(ctx context.Context, name string) (Integration, error)
	ListIntegrations(ctx context.Context) ([]Integration, error)
}

type Agents interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	GetRole(ctx context.Context, id string) (Role, error)
	GetModel(ctx context.Context, id string) (Model, error)
}

type Files interface {
	GetFile(ctx context.Context, id string) (File, error)
	RuntimeContext(ctx context.Context, id string) (*FileContext, error)
}

// NormalizePhone keeps digits only.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeGroupID returns the trimmed id when it is a group address.
func NormalizeGroupID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasSuffix(id, groupSuffix) {
		return id
	}
	return ""
}

// IsGroupAddress reports whether addr names a group chat.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(strings.TrimSpace(addr), groupSuffix)
}

// NormalizeAddress canonicalizes a phone or group address.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if IsGroupAddress(addr) {
		return addr
	}
	return NormalizePhone(addr)
}
