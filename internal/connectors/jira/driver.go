// Пакет jira: драйвер Jira. Задачи каждого проекта читаются постранично
// через JQL; при обновлении берутся только изменённые за последние сутки.
// Комментарии загружаются вторично.
package jira

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/ratelimit"
)

const (
	primaryKeywords   = "jira"
	secondaryKeywords = "issue,task,bug,feature"
	pageSize          = 25
	descriptionStep   = 100
)

// Форматы времени Jira: с миллисекундами и смещением без двоеточия.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Options: настройки драйвера.
type Options struct {
	// BaseURL: адрес сервера Jira. Пустой адрес берётся из параметра
	// server учётных данных.
	BaseURL      string
	PageDelay    time.Duration
	ProjectDelay time.Duration
}

// Driver: драйвер Jira.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

// New создаёт драйвер Jira.
func New(opts Options, logger *slog.Logger) *Driver {
	return &Driver{opts: opts, logger: logger.With(slog.String("component", "jira"))}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorJira }

func (d *Driver) server(cred *model.Credential) string {
	if d.opts.BaseURL != "" {
		return d.opts.BaseURL
	}
	return cred.Param("server", "")
}

func (d *Driver) client(cred *model.Credential) (*apiclient.Client, string, error) {
	server := d.server(cred)
	if server == "" {
		return nil, "", fmt.Errorf("%w: не задан адрес сервера jira", connector.ErrPermanent)
	}
	auth := apiclient.Bearer(cred.AccessToken)
	if email := cred.Param("email", ""); email != "" {
		auth = apiclient.Basic(email, cred.AccessToken)
	}
	return apiclient.New("jira", server, auth), server, nil
}

type project struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type user struct {
	DisplayName string            `json:"displayName"`
	AvatarURLs  map[string]string `json:"avatarUrls"`
}

type named struct {
	Name string `json:"name"`
}

type issueFields struct {
	Summary     string   `json:"summary"`
	Updated     string   `json:"updated"`
	Created     string   `json:"created"`
	Description string   `json:"description"`
	DueDate     string   `json:"duedate"`
	Labels      []string `json:"labels"`
	Status      *named   `json:"status"`
	IssueType   *named   `json:"issuetype"`
	Priority    *named   `json:"priority"`
	Assignee    *user    `json:"assignee"`
	Reporter    *user    `json:"reporter"`
	Creator     *user    `json:"creator"`
	Project     *project `json:"project"`
}

type issue struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type searchResult struct {
	StartAt int     `json:"startAt"`
	Total   int     `json:"total"`
	Issues  []issue `json:"issues"`
}

type commentList struct {
	Comments []struct {
		Author  *user  `json:"author"`
		Body    string `json:"body"`
		Created string `json:"created"`
	} `json:"comments"`
}

// Person: пользователь в содержимом задачи.
type Person struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

func toPerson(u *user) *Person {
	if u == nil {
		return nil
	}
	return &Person{Name: u.DisplayName, Avatar: u.AvatarURLs["48x48"]}
}

// Comment: комментарий к задаче.
type Comment struct {
	Author  string `json:"author,omitempty"`
	Body    string `json:"body"`
	Created string `json:"created,omitempty"`
}

// Content: содержимое задачи в индексе.
type Content struct {
	Key         string    `json:"key"`
	Summary     string    `json:"summary"`
	Status      string    `json:"status,omitempty"`
	Type        string    `json:"type,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Description string    `json:"description,omitempty"`
	DueDate     string    `json:"due_date,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Assignee    *Person   `json:"assignee,omitempty"`
	Reporter    *Person   `json:"reporter,omitempty"`
	ProjectName string    `json:"project_name"`
	ProjectKey  string    `json:"project_key"`
	ProjectLink string    `json:"project_link"`
	Comments    []Comment `json:"comments,omitempty"`
}

// DropOptional реализует budget.Reducible: сначала старые комментарии,
// затем аватары и метки.
func (c *Content) DropOptional() bool {
	switch {
	case len(c.Comments) > 0:
		c.Comments = c.Comments[1:]
	case c.Assignee != nil && c.Assignee.Avatar != "":
		c.Assignee.Avatar = ""
	case c.Reporter != nil && c.Reporter.Avatar != "":
		c.Reporter.Avatar = ""
	case len(c.Labels) > 0:
		c.Labels = nil
	default:
		return false
	}
	return true
}

// HalveLargest реализует budget.Reducible.
func (c *Content) HalveLargest() bool {
	return budget.HalveString(budget.Largest(&c.Description, &c.Summary))
}

// ClearLarge реализует budget.Reducible.
func (c *Content) ClearLarge() {
	c.Description = ""
	c.Comments = nil
}

func newContent(is *issue, p project, server string) *Content {
	f := is.Fields
	c := &Content{
		Key:         is.Key,
		Summary:     f.Summary,
		DueDate:     f.DueDate,
		Labels:      f.Labels,
		Assignee:    toPerson(f.Assignee),
		ProjectName: p.Name,
		ProjectKey:  p.Key,
		ProjectLink: server + "/projects/" + p.Key,
	}
	if f.Status != nil {
		c.Status = f.Status.Name
	}
	if f.IssueType != nil {
		c.Type = f.IssueType.Name
	}
	if f.Priority != nil {
		c.Priority = f.Priority.Name
	}
	if f.Description != "" {
		c.Description = budget.CutUTF8(f.Description, budget.MaxRecordBytes, descriptionStep)
	}
	reporter := f.Reporter
	if reporter == nil {
		reporter = f.Creator
	}
	c.Reporter = toPerson(reporter)
	return c
}

// Sync реализует connector.Driver.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	api, server, err := d.client(run.Credential)
	if err != nil {
		return err
	}
	update := !run.FullListing()
	pageGate := ratelimit.NewGate(0, d.opts.PageDelay)
	projectGate := ratelimit.NewGate(0, d.opts.ProjectDelay)

	var projects []project
	if err := api.GetJSON(ctx, "rest/api/2/project", nil, &projects); err != nil {
		return fmt.Errorf("список проектов jira: %w", err)
	}

	started := time.Now().UTC()
	for _, p := range projects {
		if err := projectGate.Pause(ctx); err != nil {
			return err
		}
		run.Logger.Debug("Обработка проекта", slog.String("project", p.Key))

		jql := "project=" + p.Key
		if update {
			jql += " and updated > '-1d'"
		}
		if err := d.syncProject(ctx, run, api, server, p, jql, pageGate); err != nil {
			return err
		}
	}

	// После полного листинга дальнейшие запуски читают только изменения
	if !update {
		return run.SaveCursor(ctx, started.Format(time.RFC3339))
	}
	return nil
}

func (d *Driver) syncProject(ctx context.Context, run *connector.Run, api *apiclient.Client, server string, p project, jql string, gate *ratelimit.Gate) error {
	startAt := 0
	for {
		if err := gate.Pause(ctx); err != nil {
			return err
		}
		params := url.Values{
			"jql":        {jql},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(pageSize)},
		}
		var res searchResult
		if err := api.GetJSON(ctx, "rest/api/2/search", params, &res); err != nil {
			return fmt.Errorf("поиск задач %s: %w", p.Key, err)
		}
		for i := range res.Issues {
			is := &res.Issues[i]
			if err := d.upsertIssue(ctx, run, server, p, is); err != nil {
				return err
			}
		}
		startAt += len(res.Issues)
		if len(res.Issues) == 0 || startAt >= res.Total {
			return nil
		}
	}
}

func (d *Driver) upsertIssue(ctx context.Context, run *connector.Run, server string, p project, is *issue) error {
	updated := is.Fields.Updated
	if updated == "" {
		updated = is.Fields.Created
	}
	t, ok := parseTime(updated)
	ts := t.Unix()
	if !ok {
		var err error
		if ts, err = run.FallbackTS(ctx, is.Key); err != nil {
			return err
		}
	}

	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               is.Key,
		ParentKey:         p.Key,
		Title:             is.Key + ": " + is.Fields.Summary,
		UpdatedTS:         ts,
		WebLink:           server + "/browse/" + is.Key,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords,
		Attrs:             map[string]string{"project_key": p.Key, "project_name": p.Name},
		Content:           newContent(is, p, server),
		NeedsFetch:        true,
	})
	return err
}

// Fetch реализует connector.Driver: задача целиком вместе с комментариями.
func (d *Driver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	api, server, err := d.client(run.Credential)
	if err != nil {
		return nil, err
	}
	var is issue
	if err := api.GetJSON(ctx, "rest/api/2/issue/"+url.PathEscape(obj.Key), nil, &is); err != nil {
		return nil, fmt.Errorf("задача %s: %w", obj.Key, err)
	}
	p := project{Key: obj.Attr("project_key"), Name: obj.Attr("project_name")}
	if is.Fields.Project != nil {
		p = *is.Fields.Project
	}
	content := newContent(&is, p, server)

	var comments commentList
	err = api.GetJSON(ctx, "rest/api/2/issue/"+url.PathEscape(obj.Key)+"/comment", nil, &comments)
	switch {
	case errors.Is(err, connector.ErrGone):
		// Комментарии недоступны: задача сохраняется без них
	case err != nil:
		return nil, fmt.Errorf("комментарии %s: %w", obj.Key, err)
	}
	for _, c := range comments.Comments {
		cm := Comment{Body: c.Body, Created: c.Created}
		if c.Author != nil {
			cm.Author = c.Author.DisplayName
		}
		content.Comments = append(content.Comments, cm)
	}
	return content, nil
}
