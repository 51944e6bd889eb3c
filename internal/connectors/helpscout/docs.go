package helpscout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
)

const (
	// DefaultDocsBaseURL: адрес Docs API.
	DefaultDocsBaseURL = "https://docsapi.helpscout.net"

	docsSecondaryKeywords = "article,document,doc"
	uncategorized         = "Uncategorized"
	articleTextStep       = 300
)

// DocsOptions: настройки драйвера базы знаний.
type DocsOptions struct {
	BaseURL string
	// MailboxBaseURL: адрес Mailbox API для имён авторов статей.
	// Ключ Mailbox API берётся из параметра mailbox_api_key учётных данных.
	MailboxBaseURL string
	Stagger        time.Duration
}

// DocsDriver: драйвер статей Help Scout Docs.
type DocsDriver struct {
	opts   DocsOptions
	logger *slog.Logger
	// cats: категории по отпечатку учётных данных
	cats *expirable.LRU[string, map[string]category]
}

// NewDocs создаёт драйвер Help Scout Docs.
func NewDocs(opts DocsOptions, logger *slog.Logger) *DocsDriver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultDocsBaseURL
	}
	if opts.MailboxBaseURL == "" {
		opts.MailboxBaseURL = DefaultBaseURL
	}
	return &DocsDriver{
		opts:   opts,
		logger: logger.With(slog.String("component", "helpscout_docs")),
		cats:   expirable.NewLRU[string, map[string]category](directoryCacheSize, nil, directoryCacheTTL),
	}
}

// Connector реализует connector.Driver.
func (d *DocsDriver) Connector() model.Connector { return model.ConnectorHelpScoutDocs }

func (d *DocsDriver) client(cred *model.Credential) *apiclient.Client {
	return apiclient.New("helpscout_docs", d.opts.BaseURL, apiclient.Basic(cred.AccessToken, "X"))
}

type docsPage[T any] struct {
	Collections *page[T] `json:"collections"`
	Categories  *page[T] `json:"categories"`
	Articles    *page[T] `json:"articles"`
}

func (p *docsPage[T]) items() *page[T] {
	switch {
	case p.Collections != nil:
		return p.Collections
	case p.Categories != nil:
		return p.Categories
	case p.Articles != nil:
		return p.Articles
	default:
		return &page[T]{}
	}
}

// eachDocsPage: как eachPage, но страница Docs API вложена в поле
// с именем ресурса.
func eachDocsPage[T any](ctx context.Context, api *apiclient.Client, path string, query url.Values, fn func([]T) error) error {
	for n := 1; ; n++ {
		q := url.Values{"page": {fmt.Sprint(n)}}
		for k, v := range query {
			q[k] = v
		}
		var resp docsPage[T]
		if err := api.GetJSON(ctx, path, q, &resp); err != nil {
			return err
		}
		p := resp.items()
		if len(p.Items) == 0 {
			return nil
		}
		if err := fn(p.Items); err != nil {
			return err
		}
		if p.Page >= p.Pages {
			return nil
		}
	}
}

type collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type category struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Collection string `json:"-"`
}

type articleRef struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	PublicURL    string `json:"publicUrl"`
	CreatedBy    int64  `json:"createdBy"`
	UpdatedBy    int64  `json:"updatedBy"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type article struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Keywords   []string `json:"keywords"`
	Categories []string `json:"categories"`
}

// Article: содержимое статьи в индексе.
type Article struct {
	Collection string   `json:"collection"`
	Categories []string `json:"categories,omitempty"`
	Status     string   `json:"status"`
	PublicURL  string   `json:"public_url,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Users      []Person `json:"users,omitempty"`
	Text       string   `json:"text,omitempty"`
}

// DropOptional реализует budget.Reducible.
func (a *Article) DropOptional() bool {
	switch {
	case len(a.Users) > 0:
		a.Users = nil
	case len(a.Keywords) > 0:
		a.Keywords = nil
	default:
		return false
	}
	return true
}

// HalveLargest реализует budget.Reducible.
func (a *Article) HalveLargest() bool { return budget.HalveString(&a.Text) }

// ClearLarge реализует budget.Reducible.
func (a *Article) ClearLarge() { a.Text = "" }

// categories загружает категории всех коллекций.
func (d *DocsDriver) categories(ctx context.Context, api *apiclient.Client) (map[string]category, error) {
	var cols []collection
	if err := eachDocsPage(ctx, api, "v1/collections", nil, func(items []collection) error {
		cols = append(cols, items...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("коллекции helpscout docs: %w", err)
	}

	cats := make(map[string]category)
	for _, col := range cols {
		err := eachDocsPage(ctx, api, "v1/collections/"+url.PathEscape(col.ID)+"/categories", nil, func(items []category) error {
			for _, c := range items {
				c.Collection = col.Name
				cats[c.ID] = c
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("категории коллекции %s: %w", col.ID, err)
		}
	}
	return cats, nil
}

// authors: пользователи Mailbox API, если у учётных данных есть ключ.
func (d *DocsDriver) authors(ctx context.Context, cred *model.Credential) map[int64]person {
	key := cred.Param("mailbox_api_key", "")
	if key == "" {
		return nil
	}
	api := apiclient.New("helpscout", d.opts.MailboxBaseURL, apiclient.Basic(key, "X"))
	users, err := loadUsers(ctx, api)
	if err != nil {
		d.logger.Warn("Авторы статей недоступны", slog.String("error", err.Error()))
		return nil
	}
	return users
}

// Sync реализует connector.Driver: опубликованные статьи каждой категории.
// Статья в нескольких категориях при повторной встрече уже неизменна.
func (d *DocsDriver) Sync(ctx context.Context, run *connector.Run) error {
	api := d.client(run.Credential)
	cats, err := d.categories(ctx, api)
	if err != nil {
		return err
	}
	d.cats.Add(run.Credential.Fingerprint(), cats)
	users := d.authors(ctx, run.Credential)

	ids := make([]string, 0, len(cats))
	for id := range cats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		cat := cats[id]
		err := eachDocsPage(ctx, api, "v1/categories/"+url.PathEscape(id)+"/articles", url.Values{"status": {"published"}},
			func(items []articleRef) error {
				for i := range items {
					if err := d.upsertArticle(ctx, run, &items[i], cat, users, time.Duration(n)*d.opts.Stagger); err != nil {
						return err
					}
					n++
				}
				return nil
			})
		if err != nil {
			return fmt.Errorf("статьи категории %s: %w", id, err)
		}
	}
	return nil
}

func (d *DocsDriver) upsertArticle(ctx context.Context, run *connector.Run, a *articleRef, cat category, users map[int64]person, delay time.Duration) error {
	updated := a.UpdatedAt
	if updated == "" {
		updated = a.CreatedAt
	}
	t, ok := parseTime(updated)
	ts := t.Unix()
	if !ok {
		var err error
		if ts, err = run.FallbackTS(ctx, a.ID); err != nil {
			return err
		}
	}

	content := &Article{Collection: cat.Collection, Status: a.Status, PublicURL: a.PublicURL}
	if cat.Name != uncategorized {
		content.Categories = []string{cat.Name}
	}
	for _, id := range uniqueIDs(a.CreatedBy, a.UpdatedBy) {
		if u, ok := users[id]; ok {
			content.Users = append(content.Users, Person{Name: u.fullName(), Avatar: u.PhotoURL})
		}
	}

	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               a.ID,
		ParentKey:         cat.ID,
		Title:             "Doc: " + a.Name,
		UpdatedTS:         ts,
		WebLink:           "https://secure.helpscout.net/docs/" + a.CollectionID + "/article/" + a.ID + "/",
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: docsSecondaryKeywords,
		Attrs: map[string]string{
			"collection": cat.Collection,
			"status":     a.Status,
			"public_url": a.PublicURL,
		},
		Content:    content,
		NeedsFetch: true,
		FetchDelay: delay,
	})
	return err
}

func uniqueIDs(ids ...int64) []int64 {
	var out []int64
	for _, id := range ids {
		if id != 0 && !containsID(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Fetch реализует connector.Driver: текст статьи и её категории.
func (d *DocsDriver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	api := d.client(run.Credential)
	cats, ok := d.cats.Get(run.Credential.Fingerprint())
	if !ok {
		var err error
		if cats, err = d.categories(ctx, api); err != nil {
			return nil, err
		}
		d.cats.Add(run.Credential.Fingerprint(), cats)
	}

	var resp struct {
		Article article `json:"article"`
	}
	if err := api.GetJSON(ctx, "v1/articles/"+url.PathEscape(obj.Key), nil, &resp); err != nil {
		return nil, fmt.Errorf("статья %s: %w", obj.Key, err)
	}

	// Авторы известны только из листинга
	var prev Article
	_ = json.Unmarshal(obj.Content, &prev)

	content := &Article{
		Users:      prev.Users,
		Collection: obj.Attr("collection"),
		Status:     obj.Attr("status"),
		PublicURL:  obj.Attr("public_url"),
		Keywords:   resp.Article.Keywords,
		Text:       budget.CutUTF8(resp.Article.Text, budget.MaxRecordBytes, articleTextStep),
	}
	for _, id := range resp.Article.Categories {
		if c, ok := cats[id]; ok && c.Name != uncategorized {
			content.Categories = append(content.Categories, c.Name)
		}
	}
	return content, nil
}
