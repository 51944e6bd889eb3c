// Пакет pipedrive: драйвер Pipedrive. Сделки читаются постранично,
// содержимое (контакты, пользователи, завершённые активности) строится
// сразу при листинге только для изменённых сделок.
package pipedrive

import (
	"context"
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
	"github.com/bigkaa/connector-sync/internal/ratelimit"
)

const (
	// DefaultBaseURL: адрес Pipedrive API.
	DefaultBaseURL = "https://api.pipedrive.com"

	primaryKeywords   = "pipedrive"
	secondaryKeywords = "deal,opportunity"
	pageLimit         = 100

	// Время в API: UTC без смещения.
	timeLayout = "2006-01-02 15:04:05"
)

// Options: настройки драйвера.
type Options struct {
	BaseURL string
	// Delay: пауза между сделками
	Delay time.Duration
}

// Driver: драйвер Pipedrive.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

// New создаёт драйвер Pipedrive.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Driver{opts: opts, logger: logger.With(slog.String("component", "pipedrive"))}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorPipedrive }

func (d *Driver) client(cred *model.Credential) *apiclient.Client {
	return apiclient.New("pipedrive", d.opts.BaseURL, apiclient.Query(map[string]string{"api_token": cred.AccessToken}))
}

type response[T any] struct {
	Success        bool `json:"success"`
	Data           []T  `json:"data"`
	AdditionalData struct {
		Pagination struct {
			MoreItems bool `json:"more_items_in_collection"`
			NextStart int  `json:"next_start"`
		} `json:"pagination"`
	} `json:"additional_data"`
}

// fetchAll читает все страницы списка path.
func fetchAll[T any](ctx context.Context, api *apiclient.Client, path string) ([]T, error) {
	var out []T
	start := 0
	for {
		var resp response[T]
		q := url.Values{"start": {strconv.Itoa(start)}, "limit": {strconv.Itoa(pageLimit)}}
		if err := api.GetJSON(ctx, path, q, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		p := resp.AdditionalData.Pagination
		if !p.MoreItems || p.NextStart <= start {
			return out, nil
		}
		start = p.NextStart
	}
}

type stage struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type user struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	IconURL string `json:"icon_url"`
}

type email struct {
	Value string `json:"value"`
}

type personRef struct {
	Value int64   `json:"value"`
	Name  string  `json:"name"`
	Email []email `json:"email"`
}

func (p *personRef) firstEmail() string {
	if p == nil || len(p.Email) == 0 {
		return ""
	}
	return p.Email[0].Value
}

type orgRef struct {
	Value   int64  `json:"value"`
	Name    string `json:"name"`
	CCEmail string `json:"cc_email"`
}

type ownerRef struct {
	ID int64 `json:"id"`
}

type deal struct {
	ID                  int64      `json:"id"`
	Title               string     `json:"title"`
	Value               float64    `json:"value"`
	Currency            string     `json:"currency"`
	Status              string     `json:"status"`
	StageID             int64      `json:"stage_id"`
	UpdateTime          string     `json:"update_time"`
	Org                 *orgRef    `json:"org_id"`
	Person              *personRef `json:"person_id"`
	User                *ownerRef  `json:"user_id"`
	ParticipantsCount   int        `json:"participants_count"`
	FollowersCount      int        `json:"followers_count"`
	DoneActivitiesCount int        `json:"done_activities_count"`
}

// domain: поддомен аккаунта из служебного адреса организации.
func (d *deal) domain() string {
	if d.Org == nil {
		return ""
	}
	name, _, _ := strings.Cut(d.Org.CCEmail, "@")
	return name
}

type participant struct {
	ID     int64      `json:"id"`
	Person *personRef `json:"person"`
}

type follower struct {
	UserID int64 `json:"user_id"`
}

type activity struct {
	Subject          string `json:"subject"`
	Type             string `json:"type"`
	PersonName       string `json:"person_name"`
	Done             bool   `json:"done"`
	MarkedAsDoneTime string `json:"marked_as_done_time"`
	AssignedToUserID int64  `json:"assigned_to_user_id"`
}

// Contact: контакт сделки.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url"`
}

// User: пользователь Pipedrive, ведущий сделку.
type User struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
	URL     string `json:"url"`
}

// Activity: завершённая активность по сделке.
type Activity struct {
	Subject  string `json:"subject"`
	Type     string `json:"type"`
	Contact  string `json:"contact,omitempty"`
	DoneTime string `json:"done_time,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// Content: содержимое сделки в индексе. Активности от новых к старым.
type Content struct {
	Company    string     `json:"company,omitempty"`
	Value      float64    `json:"value"`
	Currency   string     `json:"currency,omitempty"`
	Status     string     `json:"status,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Contacts   []Contact  `json:"contacts"`
	Users      []User     `json:"users"`
	Activities []Activity `json:"activities"`
}

// DropOptional реализует budget.Reducible: старые активности, затем
// дополнительные контакты и пользователи.
func (c *Content) DropOptional() bool {
	switch {
	case len(c.Activities) > 0:
		c.Activities = c.Activities[:len(c.Activities)-1]
	case len(c.Contacts) > 1:
		c.Contacts = c.Contacts[:len(c.Contacts)-1]
	case len(c.Users) > 1:
		c.Users = c.Users[:len(c.Users)-1]
	default:
		return false
	}
	return true
}

// HalveLargest реализует budget.Reducible.
func (c *Content) HalveLargest() bool {
	var fields []*string
	for i := range c.Contacts {
		fields = append(fields, &c.Contacts[i].Name)
	}
	for i := range c.Users {
		fields = append(fields, &c.Users[i].Name)
	}
	return budget.HalveString(budget.Largest(fields...))
}

// ClearLarge реализует budget.Reducible.
func (c *Content) ClearLarge() {
	c.Activities = nil
	c.Contacts = nil
	c.Users = nil
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	return t, err == nil
}

// Sync реализует connector.Driver. Change feed у API нет: каждый запуск
// читает все сделки, неизменённые отсекаются по update_time.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	api := d.client(run.Credential)
	gate := ratelimit.NewGate(0, d.opts.Delay)

	stages, err := fetchAll[stage](ctx, api, "v1/stages")
	if err != nil {
		return fmt.Errorf("этапы pipedrive: %w", err)
	}
	stageNames := make(map[int64]string, len(stages))
	for _, s := range stages {
		stageNames[s.ID] = s.Name
	}

	list, err := fetchAll[user](ctx, api, "v1/users")
	if err != nil {
		return fmt.Errorf("пользователи pipedrive: %w", err)
	}
	users := make(map[int64]user, len(list))
	for _, u := range list {
		users[u.ID] = u
	}

	deals, err := fetchAll[deal](ctx, api, "v1/deals")
	if err != nil {
		return fmt.Errorf("сделки pipedrive: %w", err)
	}
	for i := range deals {
		dl := &deals[i]
		domain := dl.domain()
		if domain == "" {
			run.Logger.Debug("Сделка без организации пропущена", slog.Int64("deal_id", dl.ID))
			continue
		}
		if err := gate.Pause(ctx); err != nil {
			return err
		}
		if err := d.upsertDeal(ctx, run, api, dl, domain, stageNames, users); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) upsertDeal(ctx context.Context, run *connector.Run, api *apiclient.Client, dl *deal, domain string, stages map[int64]string, users map[int64]user) error {
	id := strconv.FormatInt(dl.ID, 10)
	t, ok := parseTime(dl.UpdateTime)
	ts := t.Unix()
	if !ok {
		var err error
		if ts, err = run.FallbackTS(ctx, id); err != nil {
			return err
		}
	}

	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               id,
		Title:             dl.Title,
		UpdatedTS:         ts,
		WebLink:           "https://" + domain + ".pipedrive.com/deal/" + id,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords,
		Attrs:             map[string]string{"company": dl.Org.Name, "stage": stages[dl.StageID]},
		Build: func(ctx context.Context) (any, error) {
			return buildContent(ctx, api, dl, domain, stages, users)
		},
	})
	return err
}

func buildContent(ctx context.Context, api *apiclient.Client, dl *deal, domain string, stages map[int64]string, users map[int64]user) (*Content, error) {
	base := "https://" + domain + ".pipedrive.com"
	id := strconv.FormatInt(dl.ID, 10)
	c := &Content{
		Company:    dl.Org.Name,
		Value:      dl.Value,
		Currency:   dl.Currency,
		Status:     dl.Status,
		Stage:      stages[dl.StageID],
		Contacts:   []Contact{},
		Users:      []User{},
		Activities: []Activity{},
	}

	if dl.Person != nil {
		c.Contacts = append(c.Contacts, Contact{
			Name:  dl.Person.Name,
			Email: dl.Person.firstEmail(),
			URL:   base + "/person/" + strconv.FormatInt(dl.Person.Value, 10),
		})
	}
	if dl.ParticipantsCount > 1 {
		parts, err := fetchAll[participant](ctx, api, "v1/deals/"+id+"/participants")
		if err != nil {
			return nil, fmt.Errorf("участники сделки %s: %w", id, err)
		}
		for _, p := range parts {
			if p.Person == nil || (dl.Person != nil && p.Person.Name == dl.Person.Name) {
				continue
			}
			c.Contacts = append(c.Contacts, Contact{
				Name:  p.Person.Name,
				Email: p.Person.firstEmail(),
				URL:   base + "/person/" + strconv.FormatInt(p.ID, 10),
			})
		}
	}

	var ownerID int64
	if dl.User != nil {
		ownerID = dl.User.ID
	}
	if owner, ok := users[ownerID]; ok {
		c.Users = append(c.Users, toUser(owner, base))
		if dl.FollowersCount > 1 {
			followers, err := fetchAll[follower](ctx, api, "v1/deals/"+id+"/followers")
			if err != nil {
				return nil, fmt.Errorf("подписчики сделки %s: %w", id, err)
			}
			for _, f := range followers {
				if u, ok := users[f.UserID]; ok && f.UserID != ownerID {
					c.Users = append(c.Users, toUser(u, base))
				}
			}
		}
	}

	if dl.DoneActivitiesCount > 0 {
		acts, err := fetchAll[activity](ctx, api, "v1/deals/"+id+"/activities")
		if err != nil {
			return nil, fmt.Errorf("активности сделки %s: %w", id, err)
		}
		// API отдаёт от старых к новым
		for i := len(acts) - 1; i >= 0; i-- {
			a := acts[i]
			if !a.Done {
				continue
			}
			act := Activity{Subject: a.Subject, Type: a.Type, Contact: a.PersonName}
			if t, ok := parseTime(a.MarkedAsDoneTime); ok {
				act.DoneTime = t.Format(time.RFC3339)
			}
			if u, ok := users[a.AssignedToUserID]; ok {
				act.UserName = u.Name
			}
			c.Activities = append(c.Activities, act)
		}
	}
	return c, nil
}

func toUser(u user, base string) User {
	return User{
		Name:    u.Name,
		Email:   u.Email,
		IconURL: u.IconURL,
		URL:     base + "/users/details/" + strconv.FormatInt(u.ID, 10),
	}
}

// Fetch реализует connector.Driver. Содержимое сделок строится при
// листинге, вторичных загрузок нет.
func (d *Driver) Fetch(context.Context, *connector.Run, *model.SyncedObject) (any, error) {
	return nil, nil
}
