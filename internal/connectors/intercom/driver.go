// Пакет intercom: драйвер Intercom. Пользователи читаются листингом;
// компания, сегменты, события и беседы загружаются вторично.
package intercom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
)

const (
	// DefaultBaseURL: адрес Intercom API.
	DefaultBaseURL = "https://api.intercom.io"

	primaryKeywords   = "inter,intercom"
	secondaryKeywords = "user,event,conversation,chat"
	usersPerPage      = "50"
	eventsLimit       = "10"
)

// Options: настройки драйвера.
type Options struct {
	BaseURL string
	// Stagger: шаг задержки вторичных загрузок соседних пользователей
	Stagger time.Duration
}

// Driver: драйвер Intercom.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

// New создаёт драйвер Intercom.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Driver{opts: opts, logger: logger.With(slog.String("component", "intercom"))}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorIntercom }

func (d *Driver) client(cred *model.Credential) *apiclient.Client {
	return apiclient.New("intercom", d.opts.BaseURL, apiclient.Bearer(cred.AccessToken))
}

type ref struct {
	ID string `json:"id"`
}

type avatarRef struct {
	ImageURL string `json:"image_url"`
}

type segmentList struct {
	Segments []ref `json:"segments"`
}

type companyList struct {
	Companies []ref `json:"companies"`
}

type icUser struct {
	ID            string      `json:"id"`
	Email         string      `json:"email"`
	Name          string      `json:"name"`
	LastRequestAt int64       `json:"last_request_at"`
	UpdatedAt     int64       `json:"updated_at"`
	SessionCount  int         `json:"session_count"`
	Avatar        *avatarRef  `json:"avatar"`
	Segments      segmentList `json:"segments"`
	Companies     companyList `json:"companies"`
}

func (u *icUser) avatar() string {
	if u.Avatar == nil {
		return ""
	}
	return u.Avatar.ImageURL
}

type pages struct {
	Next       string `json:"next"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
}

type userList struct {
	Users []icUser `json:"users"`
	Pages pages    `json:"pages"`
}

type author struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type message struct {
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Author  *author `json:"author"`
}

type conversationRef struct {
	ID        string   `json:"id"`
	CreatedAt int64    `json:"created_at"`
	Message   *message `json:"conversation_message"`
}

type conversationPart struct {
	CreatedAt int64   `json:"created_at"`
	Body      string  `json:"body"`
	Author    *author `json:"author"`
}

// Event: событие пользователя.
type Event struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// Message: сообщение беседы.
type Message struct {
	Timestamp int64  `json:"timestamp"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
}

// Conversation: беседа с пользователем.
type Conversation struct {
	Subject string    `json:"subject,omitempty"`
	Items   []Message `json:"items"`
}

// Content: содержимое пользователя в индексе.
type Content struct {
	Email         string         `json:"email,omitempty"`
	SessionCount  int            `json:"session_count"`
	Avatar        string         `json:"avatar,omitempty"`
	Plan          string         `json:"plan,omitempty"`
	MonthlySpend  float64        `json:"monthly_spend,omitempty"`
	Segments      string         `json:"segments,omitempty"`
	Events        []Event        `json:"events"`
	Conversations []Conversation `json:"conversations"`
}

// DropOptional реализует budget.Reducible: сначала старые беседы, затем события.
func (c *Content) DropOptional() bool {
	switch {
	case len(c.Conversations) > 1:
		c.Conversations = c.Conversations[:len(c.Conversations)-1]
	case len(c.Events) > 0:
		c.Events = c.Events[:len(c.Events)-1]
	case c.Avatar != "":
		c.Avatar = ""
	default:
		return false
	}
	return true
}

// HalveLargest реализует budget.Reducible.
func (c *Content) HalveLargest() bool {
	var bodies []*string
	for i := range c.Conversations {
		for j := range c.Conversations[i].Items {
			bodies = append(bodies, &c.Conversations[i].Items[j].Body)
		}
	}
	return budget.HalveString(budget.Largest(bodies...))
}

// ClearLarge реализует budget.Reducible.
func (c *Content) ClearLarge() {
	c.Conversations = nil
}

// Sync реализует connector.Driver: все пользователи приложения.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	api := d.client(run.Credential)
	appID := run.Credential.Param("app_id", "")

	next := api.URL("users", url.Values{"per_page": {usersPerPage}})
	n := 0
	for next != "" {
		var list userList
		if err := api.GetJSON(ctx, next, nil, &list); err != nil {
			return fmt.Errorf("пользователи intercom: %w", err)
		}
		for i := range list.Users {
			if err := d.upsertUser(ctx, run, &list.Users[i], appID, time.Duration(n)*d.opts.Stagger); err != nil {
				return err
			}
			n++
		}
		next = list.Pages.Next
	}
	return nil
}

func (d *Driver) upsertUser(ctx context.Context, run *connector.Run, u *icUser, appID string, delay time.Duration) error {
	ts := u.LastRequestAt
	if ts == 0 {
		ts = u.UpdatedAt
	}
	segments := make([]string, 0, len(u.Segments.Segments))
	for _, s := range u.Segments.Segments {
		segments = append(segments, s.ID)
	}
	companies := make([]string, 0, len(u.Companies.Companies))
	for _, c := range u.Companies.Companies {
		companies = append(companies, c.ID)
	}

	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               u.ID,
		Title:             "User: " + u.Name,
		UpdatedTS:         ts,
		WebLink:           "https://app.intercom.io/a/apps/" + appID + "/users/" + u.ID,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords,
		Attrs: map[string]string{
			"name":          u.Name,
			"email":         u.Email,
			"avatar":        u.avatar(),
			"session_count": strconv.Itoa(u.SessionCount),
			"segments":      strings.Join(segments, ","),
			"companies":     strings.Join(companies, ","),
		},
		NeedsFetch: true,
		FetchDelay: delay,
	})
	return err
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Fetch реализует connector.Driver.
func (d *Driver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	api := d.client(run.Credential)
	sessions, _ := strconv.Atoi(obj.Attr("session_count"))
	content := &Content{
		Email:         obj.Attr("email"),
		SessionCount:  sessions,
		Avatar:        obj.Attr("avatar"),
		Events:        []Event{},
		Conversations: []Conversation{},
	}

	// Учитывается только первая компания
	if companies := splitIDs(obj.Attr("companies")); len(companies) > 0 {
		var company struct {
			Plan struct {
				Name string `json:"name"`
			} `json:"plan"`
			MonthlySpend float64 `json:"monthly_spend"`
		}
		err := api.GetJSON(ctx, "companies/"+url.PathEscape(companies[0]), nil, &company)
		switch {
		case err == nil:
			content.Plan = company.Plan.Name
			content.MonthlySpend = company.MonthlySpend
		case !errors.Is(err, connector.ErrGone):
			return nil, fmt.Errorf("компания %s: %w", companies[0], err)
		}
	}

	var segments []string
	for _, id := range splitIDs(obj.Attr("segments")) {
		var s struct {
			Name string `json:"name"`
		}
		err := api.GetJSON(ctx, "segments/"+url.PathEscape(id), nil, &s)
		switch {
		case err == nil:
			segments = append(segments, s.Name)
		case !errors.Is(err, connector.ErrGone):
			return nil, fmt.Errorf("сегмент %s: %w", id, err)
		}
	}
	content.Segments = strings.Join(segments, ", ")

	var events struct {
		Events []struct {
			EventName string `json:"event_name"`
			CreatedAt int64  `json:"created_at"`
		} `json:"events"`
	}
	q := url.Values{"type": {"user"}, "intercom_user_id": {obj.Key}, "per_page": {eventsLimit}}
	if err := api.GetJSON(ctx, "events", q, &events); err != nil {
		return nil, fmt.Errorf("события пользователя %s: %w", obj.Key, err)
	}
	// Новые события первыми
	for i := len(events.Events) - 1; i >= 0; i-- {
		e := events.Events[i]
		content.Events = append(content.Events, Event{Name: e.EventName, Timestamp: e.CreatedAt})
	}

	convs, err := d.conversations(ctx, api, obj.Key, obj.Attr("name"))
	if err != nil {
		return nil, err
	}
	content.Conversations = convs
	return content, nil
}

// conversations загружает беседы пользователя. Беседы доступны только
// на тарифах с in-app сообщениями: отказ в доступе даёт пустой список.
func (d *Driver) conversations(ctx context.Context, api *apiclient.Client, userID, userName string) ([]Conversation, error) {
	names := &authorNames{api: api, cache: map[string]string{userID: userName}}

	var list struct {
		Conversations []conversationRef `json:"conversations"`
	}
	q := url.Values{"type": {"user"}, "intercom_user_id": {userID}}
	err := api.GetJSON(ctx, "conversations", q, &list)
	if errors.Is(err, connector.ErrUnauthorized) {
		d.logger.Debug("Беседы недоступны для приложения", slog.String("user_id", userID))
		return []Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("беседы пользователя %s: %w", userID, err)
	}

	out := make([]Conversation, 0, len(list.Conversations))
	for _, c := range list.Conversations {
		conv := Conversation{}
		first := Message{Timestamp: c.CreatedAt}
		if c.Message != nil {
			conv.Subject = c.Message.Subject
			first.Body = c.Message.Body
			if first.Author, err = names.lookup(ctx, c.Message.Author); err != nil {
				return nil, err
			}
		}
		conv.Items = append(conv.Items, first)

		var detail struct {
			Parts struct {
				Parts []conversationPart `json:"conversation_parts"`
			} `json:"conversation_parts"`
		}
		if err := api.GetJSON(ctx, "conversations/"+url.PathEscape(c.ID), nil, &detail); err != nil {
			return nil, fmt.Errorf("беседа %s: %w", c.ID, err)
		}
		for _, p := range detail.Parts.Parts {
			if p.Body == "" {
				continue
			}
			name, err := names.lookup(ctx, p.Author)
			if err != nil {
				return nil, err
			}
			conv.Items = append(conv.Items, Message{Timestamp: p.CreatedAt, Author: name, Body: p.Body})
		}
		out = append(out, conv)
	}
	return out, nil
}

// authorNames: имена участников бесед в пределах одной загрузки.
type authorNames struct {
	api   *apiclient.Client
	cache map[string]string
}

// lookup ищет администратора по числовому id, иначе пользователя.
func (a *authorNames) lookup(ctx context.Context, au *author) (string, error) {
	if au == nil || au.ID == "" {
		return "", nil
	}
	if name, ok := a.cache[au.ID]; ok {
		return name, nil
	}
	path := "users/" + url.PathEscape(au.ID)
	if _, err := strconv.ParseInt(au.ID, 10, 64); err == nil || au.Type == "admin" {
		path = "admins/" + url.PathEscape(au.ID)
	}
	var resp struct {
		Name string `json:"name"`
	}
	err := a.api.GetJSON(ctx, path, nil, &resp)
	if err != nil && !errors.Is(err, connector.ErrGone) {
		return "", fmt.Errorf("участник беседы %s: %w", au.ID, err)
	}
	a.cache[au.ID] = resp.Name
	return resp.Name, nil
}
