// Пакет helpscout: драйверы Help Scout. Mailbox API: клиенты листингом,
// беседы и их сообщения вторичной загрузкой. Docs API: опубликованные
// статьи базы знаний.
package helpscout

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
)

const (
	// DefaultBaseURL: адрес Mailbox API.
	DefaultBaseURL = "https://api.helpscout.net"

	primaryKeywords   = "helpscout"
	secondaryKeywords = "customer,ticket,support"

	// attrLastConversation: время последней беседы, учтённой в содержимом
	attrLastConversation = "last_conversation"

	directoryCacheSize = 256
	directoryCacheTTL  = 10 * time.Minute
)

// Options: настройки драйвера.
type Options struct {
	BaseURL string
	// Stagger: шаг задержки вторичных загрузок соседних клиентов
	Stagger time.Duration
}

// Driver: драйвер клиентов и бесед Help Scout.
type Driver struct {
	opts   Options
	logger *slog.Logger
	// dirs: справочники по отпечатку учётных данных. Вторичные загрузки
	// идут отдельными задачами и не должны перечитывать ящики и папки.
	dirs *expirable.LRU[string, *directory]
}

// New создаёт драйвер Help Scout.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Driver{
		opts:   opts,
		logger: logger.With(slog.String("component", "helpscout")),
		dirs:   expirable.NewLRU[string, *directory](directoryCacheSize, nil, directoryCacheTTL),
	}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorHelpScout }

func (d *Driver) client(cred *model.Credential) *apiclient.Client {
	return apiclient.New("helpscout", d.opts.BaseURL, apiclient.Basic(cred.AccessToken, "X"))
}

func (d *Driver) directory(ctx context.Context, api *apiclient.Client, cred *model.Credential) (*directory, error) {
	if dir, ok := d.dirs.Get(cred.Fingerprint()); ok {
		return dir, nil
	}
	dir, err := loadDirectory(ctx, api)
	if err != nil {
		return nil, err
	}
	d.dirs.Add(cred.Fingerprint(), dir)
	return dir, nil
}

// Person: пользователь Help Scout в содержимом.
type Person struct {
	ID     int64  `json:"id,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

func toPerson(p *person) *Person {
	if p == nil {
		return nil
	}
	return &Person{ID: p.ID, Name: p.fullName(), Email: p.Email, Avatar: p.PhotoURL}
}

// Thread: сообщение беседы.
type Thread struct {
	Created    string `json:"created"`
	Author     string `json:"author,omitempty"`
	AuthorID   int64  `json:"author_id,omitempty"`
	Body       string `json:"body"`
	IsCustomer bool   `json:"is_customer"`
}

// Conversation: беседа с клиентом.
type Conversation struct {
	ID          int64    `json:"id"`
	Mailbox     string   `json:"mailbox"`
	Folder      string   `json:"folder,omitempty"`
	Status      string   `json:"status"`
	Subject     string   `json:"subject"`
	Tags        []string `json:"tags,omitempty"`
	Owner       *Person  `json:"owner,omitempty"`
	Customer    *Person  `json:"customer,omitempty"`
	LastUpdated string   `json:"last_updated"`
	Threads     []Thread `json:"threads"`

	updatedTS int64
}

// Content: содержимое клиента в индексе. Беседы упорядочены от новых к старым.
type Content struct {
	Name          string         `json:"name"`
	Company       string         `json:"company,omitempty"`
	Emails        string         `json:"emails,omitempty"`
	Users         []Person       `json:"users,omitempty"`
	Conversations []Conversation `json:"conversations"`
}

// DropOptional реализует budget.Reducible: удаляет самую старую беседу,
// последняя остаётся.
func (c *Content) DropOptional() bool {
	if len(c.Conversations) > 1 {
		c.Conversations = c.Conversations[:len(c.Conversations)-1]
		return true
	}
	for i := range c.Users {
		if c.Users[i].Avatar != "" {
			c.Users[i].Avatar = ""
			return true
		}
	}
	return false
}

// HalveLargest реализует budget.Reducible: самое длинное сообщение вдвое.
func (c *Content) HalveLargest() bool {
	var bodies []*string
	for i := range c.Conversations {
		for j := range c.Conversations[i].Threads {
			bodies = append(bodies, &c.Conversations[i].Threads[j].Body)
		}
	}
	return budget.HalveString(budget.Largest(bodies...))
}

// ClearLarge реализует budget.Reducible: остаётся самая новая беседа
// без сообщений.
func (c *Content) ClearLarge() {
	if len(c.Conversations) > 1 {
		c.Conversations = c.Conversations[:1]
	}
	for i := range c.Conversations {
		c.Conversations[i].Threads = nil
	}
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

// Sync реализует connector.Driver. У Mailbox API нет change feed:
// каждый запуск читает всех клиентов, неизменённые отсекаются по modifiedAt.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	api := d.client(run.Credential)
	// Справочники перечитываются в начале каждого запуска
	d.dirs.Remove(run.Credential.Fingerprint())
	if _, err := d.directory(ctx, api, run.Credential); err != nil {
		return err
	}

	n := 0
	return eachPage(ctx, api, "v1/customers.json", nil, func(items []customer) error {
		for i := range items {
			c := &items[i]
			name := c.fullName()
			emails := c.emailList()
			if c.ID == 0 || (len(emails) == 0 && name == "") {
				continue
			}
			if err := d.upsertCustomer(ctx, run, c, name, emails, time.Duration(n)*d.opts.Stagger); err != nil {
				return err
			}
			n++
		}
		return nil
	})
}

func (d *Driver) upsertCustomer(ctx context.Context, run *connector.Run, c *customer, name string, emails []string, delay time.Duration) error {
	id := strconv.FormatInt(c.ID, 10)
	updated := c.ModifiedAt
	if updated == "" {
		updated = c.CreatedAt
	}
	t, ok := parseTime(updated)
	ts := t.Unix()
	if !ok {
		var err error
		if ts, err = run.FallbackTS(ctx, id); err != nil {
			return err
		}
	}

	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               id,
		Title:             "User: " + name,
		UpdatedTS:         ts,
		WebLink:           "https://secure.helpscout.net/customer/" + id + "/0/",
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords,
		Attrs: map[string]string{
			"name":    name,
			"company": c.Organization,
			"emails":  strings.Join(emails, ", "),
		},
		NeedsFetch: true,
		FetchDelay: delay,
	})
	return err
}

// Fetch реализует connector.Driver: беседы клиента во всех ящиках.
// Если новых бесед нет, содержимое не пересобирается.
func (d *Driver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	api := d.client(run.Credential)
	dir, err := d.directory(ctx, api, run.Credential)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	var latest int64
	for _, m := range dir.mailboxes {
		path := "v1/mailboxes/" + strconv.FormatInt(m.ID, 10) + "/customers/" + url.PathEscape(obj.Key) + "/conversations.json"
		err := eachPage(ctx, api, path, nil, func(items []conversation) error {
			for i := range items {
				c := toConversation(&items[i], m, dir)
				latest = max(latest, c.updatedTS)
				convs = append(convs, c)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("беседы клиента %s: %w", obj.Key, err)
		}
	}

	if prev, err := strconv.ParseInt(obj.Attr(attrLastConversation), 10, 64); err == nil && len(obj.Content) > 0 && latest <= prev {
		run.Logger.Debug("Беседы клиента не изменились", slog.String("customer_id", obj.Key))
		return nil, nil
	}

	active := make(map[int64]bool)
	for i := range convs {
		threads, err := d.threads(ctx, api, convs[i].ID)
		if err != nil {
			return nil, err
		}
		for _, t := range threads {
			if !t.IsCustomer && t.AuthorID != 0 {
				active[t.AuthorID] = true
			}
		}
		convs[i].Threads = threads
	}
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].updatedTS > convs[j].updatedTS })

	content := &Content{
		Name:          obj.Attr("name"),
		Company:       obj.Attr("company"),
		Emails:        obj.Attr("emails"),
		Conversations: convs,
	}
	for id := range active {
		if u, ok := dir.users[id]; ok {
			content.Users = append(content.Users, *toPerson(&u))
		}
	}
	sort.Slice(content.Users, func(i, j int) bool { return content.Users[i].ID < content.Users[j].ID })

	if obj.Attrs == nil {
		obj.Attrs = make(map[string]string)
	}
	obj.Attrs[attrLastConversation] = strconv.FormatInt(latest, 10)
	return content, nil
}

func toConversation(c *conversation, m mailbox, dir *directory) Conversation {
	out := Conversation{
		ID:          c.ID,
		Mailbox:     m.Name,
		Folder:      dir.folders[c.FolderID],
		Status:      c.Status,
		Subject:     c.Subject,
		Tags:        c.Tags,
		Owner:       toPerson(c.Owner),
		Customer:    toPerson(c.Customer),
		LastUpdated: c.lastUpdated(),
	}
	if t, ok := parseTime(out.LastUpdated); ok {
		out.updatedTS = t.Unix()
	}
	return out
}

func (d *Driver) threads(ctx context.Context, api *apiclient.Client, conversationID int64) ([]Thread, error) {
	var resp struct {
		Item struct {
			Threads []thread `json:"threads"`
		} `json:"item"`
	}
	if err := api.GetJSON(ctx, "v1/conversations/"+strconv.FormatInt(conversationID, 10)+".json", nil, &resp); err != nil {
		return nil, fmt.Errorf("беседа %d: %w", conversationID, err)
	}

	out := make([]Thread, 0, len(resp.Item.Threads))
	for _, t := range resp.Item.Threads {
		if t.Type == "lineitem" || t.Body == "" {
			continue
		}
		th := Thread{Created: t.CreatedAt, Body: t.Body}
		if t.CreatedBy != nil {
			th.Author = t.CreatedBy.fullName()
			th.AuthorID = t.CreatedBy.ID
			th.IsCustomer = t.CreatedBy.Type == "customer"
		}
		out = append(out, th)
	}
	return out, nil
}
