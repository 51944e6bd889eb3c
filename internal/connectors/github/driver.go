// Пакет github: драйвер GitHub. Репозитории пользователя читаются
// листингом; вторичная загрузка репозитория собирает участников и README,
// а также порождает записи недавних коммитов и задач. Коммиты загружают
// список изменённых файлов отдельно.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/connector/markup"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/ratelimit"
)

const (
	// DefaultBaseURL: адрес GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	// QuotaHeader: заголовок остатка квоты.
	QuotaHeader = "X-RateLimit-Remaining"

	primaryKeywords   = "github"
	secondaryKeywords = "repo,file,issue,commit"

	perPage         = 100
	maxContributors = 10
	maxCommits      = 200
	maxCommitFiles  = 100
	maxIssues       = 100
	readmeStep      = 100

	repoPrefix   = "repo:"
	commitPrefix = "commit:"
	issuePrefix  = "issue:"
)

// Options: настройки драйвера.
type Options struct {
	BaseURL string
	// Delay: пауза между репозиториями
	Delay time.Duration
	// QuotaThreshold: остаток квоты, ниже которого запуск останавливается
	QuotaThreshold int
	// Stagger: шаг задержки загрузки файлов соседних коммитов
	Stagger time.Duration
}

// Driver: драйвер GitHub.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

// New создаёт драйвер GitHub.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Driver{opts: opts, logger: logger.With(slog.String("component", "github"))}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorGitHub }

func (d *Driver) client(cred *model.Credential) *apiclient.Client {
	return apiclient.New("github", d.opts.BaseURL, apiclient.Bearer(cred.AccessToken),
		apiclient.WithTracker(ratelimit.NewTracker(QuotaHeader)))
}

type owner struct {
	Login     string `json:"login"`
	HTMLURL   string `json:"html_url"`
	AvatarURL string `json:"avatar_url"`
}

type repo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	HTMLURL     string `json:"html_url"`
	Owner       owner  `json:"owner"`
	UpdatedAt   string `json:"updated_at"`
	PushedAt    string `json:"pushed_at"`
	Disabled    bool   `json:"disabled"`
}

// changedAt: позднейшее из времени изменения и последнего push.
func (r *repo) changedAt() (time.Time, bool) {
	var best time.Time
	for _, s := range []string{r.UpdatedAt, r.PushedAt} {
		if t, err := time.Parse(time.RFC3339, s); err == nil && t.After(best) {
			best = t
		}
	}
	return best, !best.IsZero()
}

type readme struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitAuthor struct {
	Name string `json:"name"`
	Date string `json:"date"`
}

type commitInfo struct {
	Message string       `json:"message"`
	Author  commitAuthor `json:"author"`
}

type commitRef struct {
	SHA     string     `json:"sha"`
	HTMLURL string     `json:"html_url"`
	Commit  commitInfo `json:"commit"`
	Author  *owner     `json:"author"`
}

type commitFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type label struct {
	Name string `json:"name"`
}

// pullRequest: признак того, что задача является pull request.
type pullRequest struct {
	URL string `json:"url"`
}

type issue struct {
	ID          int64        `json:"id"`
	Number      int          `json:"number"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	State       string       `json:"state"`
	HTMLURL     string       `json:"html_url"`
	UpdatedAt   string       `json:"updated_at"`
	User        *owner       `json:"user"`
	Labels      []label      `json:"labels"`
	PullRequest *pullRequest `json:"pull_request"`
}

// Contributor: участник репозитория.
type Contributor struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Avatar string `json:"avatar,omitempty"`
}

// Repo: содержимое репозитория в индексе.
type Repo struct {
	Owner        string        `json:"owner"`
	Description  string        `json:"description,omitempty"`
	Readme       string        `json:"readme,omitempty"`
	Contributors []Contributor `json:"contributors"`
	// HTML: README, отрендеренный из markdown
	HTML string `json:"html,omitempty"`
}

// DropOptional реализует budget.Reducible.
func (r *Repo) DropOptional() bool {
	for i := range r.Contributors {
		if r.Contributors[i].Avatar != "" {
			r.Contributors[i].Avatar = ""
			return true
		}
	}
	if len(r.Contributors) > 0 {
		r.Contributors = r.Contributors[:len(r.Contributors)-1]
		return true
	}
	return false
}

// HalveLargest реализует budget.Reducible.
func (r *Repo) HalveLargest() bool {
	return budget.HalveString(budget.Largest(&r.HTML, &r.Description))
}

// ClearLarge реализует budget.Reducible.
func (r *Repo) ClearLarge() { r.HTML = "" }

// File: изменённый файл коммита.
type File struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Commit: содержимое коммита в индексе.
type Commit struct {
	SHA     string `json:"sha"`
	Repo    string `json:"repo"`
	Author  string `json:"author,omitempty"`
	Message string `json:"message"`
	Files   []File `json:"files,omitempty"`
}

// DropOptional реализует budget.Reducible.
func (c *Commit) DropOptional() bool {
	if len(c.Files) == 0 {
		return false
	}
	c.Files = c.Files[:len(c.Files)-1]
	return true
}

// HalveLargest реализует budget.Reducible.
func (c *Commit) HalveLargest() bool { return budget.HalveString(&c.Message) }

// ClearLarge реализует budget.Reducible.
func (c *Commit) ClearLarge() {
	c.Files = nil
	c.Message = ""
}

// Issue: содержимое задачи в индексе.
type Issue struct {
	Number int      `json:"number"`
	Repo   string   `json:"repo"`
	State  string   `json:"state"`
	Author string   `json:"author,omitempty"`
	Labels []string `json:"labels,omitempty"`
	HTML   string   `json:"html,omitempty"`
}

// DropOptional реализует budget.Reducible.
func (i *Issue) DropOptional() bool {
	if len(i.Labels) == 0 {
		return false
	}
	i.Labels = nil
	return true
}

// HalveLargest реализует budget.Reducible.
func (i *Issue) HalveLargest() bool { return budget.HalveString(&i.HTML) }

// ClearLarge реализует budget.Reducible.
func (i *Issue) ClearLarge() { i.HTML = "" }

// Sync реализует connector.Driver: репозитории пользователя. Перед каждой
// страницей и каждым репозиторием проверяется остаток квоты.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	api := d.client(run.Credential)
	gate := ratelimit.NewGate(d.opts.QuotaThreshold, d.opts.Delay)

	for page := 1; ; page++ {
		if err := gate.Check(api); err != nil {
			return err
		}
		var repos []repo
		q := url.Values{"per_page": {strconv.Itoa(perPage)}, "page": {strconv.Itoa(page)}}
		if err := api.GetJSON(ctx, "user/repos", q, &repos); err != nil {
			return fmt.Errorf("репозитории github: %w", err)
		}
		for i := range repos {
			if err := gate.Check(api); err != nil {
				return err
			}
			if err := gate.Pause(ctx); err != nil {
				return err
			}
			if err := d.upsertRepo(ctx, run, &repos[i]); err != nil {
				return err
			}
		}
		if len(repos) < perPage {
			return nil
		}
	}
}

func (d *Driver) upsertRepo(ctx context.Context, run *connector.Run, r *repo) error {
	if r.ID == 0 && r.FullName == "" {
		return nil
	}
	key := repoPrefix + strconv.FormatInt(r.ID, 10)
	if r.Disabled {
		return run.Remove(ctx, key)
	}
	changed, ok := r.changedAt()
	if !ok {
		changed = time.Now()
	}

	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               key,
		Title:             "Repo: " + r.Name,
		UpdatedTS:         changed.Unix(),
		WebLink:           r.HTMLURL,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords,
		Attrs: map[string]string{
			"full_name":   r.FullName,
			"owner":       r.Owner.Login,
			"description": r.Description,
		},
		NeedsFetch: true,
	})
	return err
}

// Fetch реализует connector.Driver.
func (d *Driver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	api := d.client(run.Credential)
	switch {
	case strings.HasPrefix(obj.Key, repoPrefix):
		return d.fetchRepo(ctx, run, api, obj)
	case strings.HasPrefix(obj.Key, commitPrefix):
		return d.fetchCommit(ctx, api, obj)
	default:
		return nil, fmt.Errorf("%w: неизвестный тип объекта %s", connector.ErrPermanent, obj.Key)
	}
}

func (d *Driver) fetchRepo(ctx context.Context, run *connector.Run, api *apiclient.Client, obj *model.SyncedObject) (any, error) {
	full := obj.Attr("full_name")
	content := &Repo{Owner: obj.Attr("owner"), Description: obj.Attr("description"), Contributors: []Contributor{}}

	// 404 на участниках: репозиторий отключён или недоступен
	var contributors []owner
	q := url.Values{"per_page": {strconv.Itoa(maxContributors)}}
	if err := api.GetJSON(ctx, "repos/"+full+"/contributors", q, &contributors); err != nil {
		return nil, fmt.Errorf("участники %s: %w", full, err)
	}
	for _, c := range contributors[:min(len(contributors), maxContributors)] {
		content.Contributors = append(content.Contributors, Contributor{Name: c.Login, URL: c.HTMLURL, Avatar: c.AvatarURL})
	}

	var rm readme
	err := api.GetJSON(ctx, "repos/"+full+"/readme", nil, &rm)
	switch {
	case err == nil:
		if text, ok := decodeReadme(&rm); ok {
			content.Readme = rm.Name
			content.HTML = markup.ToHTML(budget.CutUTF8(text, budget.MaxRecordBytes, readmeStep))
		}
	case errors.Is(err, connector.ErrGone):
		// README нет
	default:
		return nil, fmt.Errorf("README %s: %w", full, err)
	}

	gate := ratelimit.NewGate(d.opts.QuotaThreshold, 0)
	if err := d.syncCommits(ctx, run, api, gate, obj.Key, full); err != nil {
		return nil, err
	}
	if err := d.syncIssues(ctx, run, api, gate, obj.Key, full); err != nil {
		return nil, err
	}
	return content, nil
}

func decodeReadme(rm *readme) (string, bool) {
	if rm.Encoding != "base64" {
		return rm.Content, rm.Content != ""
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(rm.Content, "\n", ""))
	if err != nil {
		return "", false
	}
	return strings.ToValidUTF8(string(data), "�"), true
}

func (d *Driver) syncCommits(ctx context.Context, run *connector.Run, api *apiclient.Client, gate *ratelimit.Gate, repoKey, full string) error {
	n := 0
	for page := 1; n < maxCommits; page++ {
		if err := gate.Check(api); err != nil {
			return err
		}
		var commits []commitRef
		q := url.Values{"per_page": {strconv.Itoa(perPage)}, "page": {strconv.Itoa(page)}}
		err := api.GetJSON(ctx, "repos/"+full+"/commits", q, &commits)
		if errors.Is(err, connector.ErrGone) || isEmptyRepo(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("коммиты %s: %w", full, err)
		}
		for i := range commits {
			if n >= maxCommits {
				break
			}
			if err := d.upsertCommit(ctx, run, &commits[i], repoKey, full, time.Duration(n)*d.opts.Stagger); err != nil {
				return err
			}
			n++
		}
		if len(commits) < perPage {
			return nil
		}
	}
	return nil
}

// isEmptyRepo: GitHub отвечает 409 на коммиты пустого репозитория.
func isEmptyRepo(err error) bool {
	return err != nil && errors.Is(err, connector.ErrPermanent) && strings.Contains(err.Error(), "статус 409")
}

func (d *Driver) upsertCommit(ctx context.Context, run *connector.Run, c *commitRef, repoKey, full string, delay time.Duration) error {
	key := commitPrefix + c.SHA
	t, err := time.Parse(time.RFC3339, c.Commit.Author.Date)
	ts := t.Unix()
	if err != nil {
		if ts, err = run.FallbackTS(ctx, key); err != nil {
			return err
		}
	}
	subject, _, _ := strings.Cut(c.Commit.Message, "\n")

	_, _, err = run.Upsert(ctx, connector.Item{
		Key:               key,
		ParentKey:         repoKey,
		Title:             "Commit: " + subject,
		UpdatedTS:         ts,
		WebLink:           c.HTMLURL,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords,
		Attrs:             map[string]string{"full_name": full, "sha": c.SHA},
		Content: &Commit{
			SHA:     c.SHA,
			Repo:    full,
			Author:  c.Commit.Author.Name,
			Message: c.Commit.Message,
		},
		NeedsFetch: true,
		FetchDelay: delay,
	})
	return err
}

func (d *Driver) fetchCommit(ctx context.Context, api *apiclient.Client, obj *model.SyncedObject) (any, error) {
	full, sha := obj.Attr("full_name"), obj.Attr("sha")
	var detail struct {
		commitRef
		Files []commitFile `json:"files"`
	}
	if err := api.GetJSON(ctx, "repos/"+full+"/commits/"+url.PathEscape(sha), nil, &detail); err != nil {
		return nil, fmt.Errorf("коммит %s: %w", sha, err)
	}
	content := &Commit{
		SHA:     sha,
		Repo:    full,
		Author:  detail.Commit.Author.Name,
		Message: detail.Commit.Message,
	}
	for _, f := range detail.Files[:min(len(detail.Files), maxCommitFiles)] {
		content.Files = append(content.Files, File{Name: f.Filename, Status: f.Status, Additions: f.Additions, Deletions: f.Deletions})
	}
	return content, nil
}

func (d *Driver) syncIssues(ctx context.Context, run *connector.Run, api *apiclient.Client, gate *ratelimit.Gate, repoKey, full string) error {
	if err := gate.Check(api); err != nil {
		return err
	}
	var issues []issue
	q := url.Values{"state": {"all"}, "sort": {"updated"}, "per_page": {strconv.Itoa(maxIssues)}}
	err := api.GetJSON(ctx, "repos/"+full+"/issues", q, &issues)
	if errors.Is(err, connector.ErrGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("задачи %s: %w", full, err)
	}

	for i := range issues {
		is := &issues[i]
		// Pull request тоже приходят списком задач
		if is.PullRequest != nil {
			continue
		}
		key := issuePrefix + strconv.FormatInt(is.ID, 10)
		t, perr := time.Parse(time.RFC3339, is.UpdatedAt)
		ts := t.Unix()
		if perr != nil {
			if ts, err = run.FallbackTS(ctx, key); err != nil {
				return err
			}
		}
		content := &Issue{Number: is.Number, Repo: full, State: is.State, HTML: markup.ToHTML(budget.CutUTF8(is.Body, budget.MaxRecordBytes, readmeStep))}
		if is.User != nil {
			content.Author = is.User.Login
		}
		for _, l := range is.Labels {
			content.Labels = append(content.Labels, l.Name)
		}

		_, _, err := run.Upsert(ctx, connector.Item{
			Key:               key,
			ParentKey:         repoKey,
			Title:             "Issue: #" + strconv.Itoa(is.Number) + " " + is.Title,
			UpdatedTS:         ts,
			WebLink:           is.HTMLURL,
			PrimaryKeywords:   primaryKeywords,
			SecondaryKeywords: secondaryKeywords,
			Attrs:             map[string]string{"full_name": full, "state": is.State},
			Content:           content,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
