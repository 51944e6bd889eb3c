// Пакет trello: драйвер Trello. Листинг читает открытые и закрытые доски
// вместе со списками и участниками; вторичная загрузка доски собирает
// чек-листы и карточки, сохраняет карточки отдельными записями и
// дописывает открытые карточки в списки доски.
package trello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/connector/markup"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/model"
	"github.com/bigkaa/connector-sync/internal/ratelimit"
)

const (
	// DefaultBaseURL: адрес Trello REST API.
	DefaultBaseURL = "https://api.trello.com"

	// QuotaHeader: заголовок остатка квоты токена.
	QuotaHeader = "x-rate-limit-api-token-remaining"

	primaryKeywords = "trello"
	boardKeywords   = "board"
	cardKeywords    = "card,task,issue"

	cardPageSize     = 1000
	descriptionLimit = 8000
	descriptionStep  = 100

	boardPrefix = "board:"
	cardPrefix  = "card:"

	// trelloEpoch: нижняя граница поиска последнего действия доски
	trelloEpoch = "2011-01-01T00:00:00.000Z"
)

// Options: настройки драйвера.
type Options struct {
	BaseURL string
	// APIKey: ключ приложения. Параметр api_key учётных данных имеет приоритет.
	APIKey string
	// BoardDelay: пауза между досками при первой синхронизации
	BoardDelay time.Duration
	// UpdateDelay: пауза между досками при обновлении
	UpdateDelay    time.Duration
	QuotaThreshold int
}

// Driver: драйвер Trello.
type Driver struct {
	opts   Options
	logger *slog.Logger

	// Организации по id: общие для всех учётных данных
	mu   sync.Mutex
	orgs map[string]*Organization
}

// New создаёт драйвер Trello.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Driver{
		opts:   opts,
		logger: logger.With(slog.String("component", "trello")),
		orgs:   make(map[string]*Organization),
	}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorTrello }

func (d *Driver) client(cred *model.Credential) *apiclient.Client {
	auth := apiclient.Query(map[string]string{
		"key":   cred.Param("api_key", d.opts.APIKey),
		"token": cred.AccessToken,
	})
	return apiclient.New("trello", d.opts.BaseURL, auth,
		apiclient.WithTracker(ratelimit.NewTracker(QuotaHeader)))
}

type board struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Desc             string `json:"desc"`
	URL              string `json:"url"`
	Closed           bool   `json:"closed"`
	IDOrganization   string `json:"idOrganization"`
	DateLastActivity string `json:"dateLastActivity"`
}

type action struct {
	Date string `json:"date"`
}

type organization struct {
	DisplayName string `json:"displayName"`
	URL         string `json:"url"`
}

type list struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Closed bool    `json:"closed"`
	Pos    float64 `json:"pos"`
}

type member struct {
	ID         string `json:"id"`
	FullName   string `json:"fullName"`
	URL        string `json:"url"`
	AvatarHash string `json:"avatarHash"`
}

type checkItem struct {
	Name  string  `json:"name"`
	State string  `json:"state"`
	Pos   float64 `json:"pos"`
}

type checklist struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	IDCard     string      `json:"idCard"`
	CheckItems []checkItem `json:"checkItems"`
}

type card struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Desc             string   `json:"desc"`
	URL              string   `json:"url"`
	Closed           bool     `json:"closed"`
	IDList           string   `json:"idList"`
	IDMembers        []string `json:"idMembers"`
	Pos              float64  `json:"pos"`
	DateLastActivity string   `json:"dateLastActivity"`
}

// Organization: организация доски.
type Organization struct {
	Name string `json:"name"`
	Logo string `json:"logo"`
	URL  string `json:"url"`
}

// Member: участник доски.
type Member struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Avatar string `json:"avatar,omitempty"`
}

// CardRef: карточка в списке доски.
type CardRef struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Pos  float64 `json:"pos"`
	URL  string  `json:"url"`
}

// List: открытый список доски.
type List struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Pos   float64   `json:"pos"`
	Cards []CardRef `json:"cards"`
}

// Board: содержимое доски в индексе.
type Board struct {
	Description  string        `json:"description,omitempty"`
	Status       string        `json:"status"`
	Organization *Organization `json:"organization,omitempty"`
	Members      []Member      `json:"members"`
	Lists        []List        `json:"lists"`
}

// DropOptional реализует budget.Reducible: сначала карточки последних
// списков, затем аватары и участники.
func (b *Board) DropOptional() bool {
	for i := len(b.Lists) - 1; i >= 0; i-- {
		if n := len(b.Lists[i].Cards); n > 0 {
			b.Lists[i].Cards = b.Lists[i].Cards[:n-1]
			return true
		}
	}
	for i := range b.Members {
		if b.Members[i].Avatar != "" {
			b.Members[i].Avatar = ""
			return true
		}
	}
	if len(b.Members) > 0 {
		b.Members = b.Members[:len(b.Members)-1]
		return true
	}
	return false
}

// HalveLargest реализует budget.Reducible.
func (b *Board) HalveLargest() bool { return budget.HalveString(&b.Description) }

// ClearLarge реализует budget.Reducible.
func (b *Board) ClearLarge() {
	b.Description = ""
	b.Lists = nil
}

// Checklist: чек-лист карточки.
type Checklist struct {
	Name  string      `json:"name"`
	Items []CheckItem `json:"items"`
}

// CheckItem: пункт чек-листа.
type CheckItem struct {
	Name     string `json:"name"`
	Complete bool   `json:"complete"`
}

// Card: содержимое карточки в индексе.
type Card struct {
	Board       string      `json:"board"`
	List        string      `json:"list,omitempty"`
	Status      string      `json:"status"`
	Description string      `json:"description,omitempty"`
	Members     []Member    `json:"members,omitempty"`
	Checklists  []Checklist `json:"checklists,omitempty"`
}

// DropOptional реализует budget.Reducible.
func (c *Card) DropOptional() bool {
	if n := len(c.Checklists); n > 0 {
		c.Checklists = c.Checklists[:n-1]
		return true
	}
	if n := len(c.Members); n > 0 {
		c.Members = c.Members[:n-1]
		return true
	}
	return false
}

// HalveLargest реализует budget.Reducible.
func (c *Card) HalveLargest() bool { return budget.HalveString(&c.Description) }

// ClearLarge реализует budget.Reducible.
func (c *Card) ClearLarge() { c.Description = "" }

func toHTML(s string) string {
	return markup.ToHTML(budget.CutUTF8(s, descriptionLimit, descriptionStep))
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

func status(closed bool, open, done string) string {
	if closed {
		return done
	}
	return open
}

// Sync реализует connector.Driver. Между досками выдерживается пауза:
// длинная при первой синхронизации, короткая при обновлении.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	api := d.client(run.Credential)
	delay := d.opts.UpdateDelay
	if run.Full {
		delay = d.opts.BoardDelay
	}
	gate := ratelimit.NewGate(d.opts.QuotaThreshold, delay)

	var boards []board
	q := url.Values{"filter": {"open,closed"}}
	if err := api.GetJSON(ctx, "1/members/me/boards", q, &boards); err != nil {
		return fmt.Errorf("доски trello: %w", err)
	}

	for i := range boards {
		if err := gate.Check(api); err != nil {
			return err
		}
		if err := gate.Pause(ctx); err != nil {
			return err
		}
		if err := d.upsertBoard(ctx, run, api, &boards[i]); err != nil {
			return err
		}
	}
	return nil
}

// lastActivity: у долго неактивных досок dateLastActivity нет. Тогда
// берётся сохранённое значение, а для новой доски время последнего действия.
func (d *Driver) lastActivity(ctx context.Context, run *connector.Run, api *apiclient.Client, b *board) (int64, error) {
	if t, ok := parseTime(b.DateLastActivity); ok {
		return t.Unix(), nil
	}
	existing, err := run.Existing(ctx, boardPrefix+b.ID)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.UpdatedTS > 0 {
		return existing.UpdatedTS, nil
	}

	var actions []action
	q := url.Values{"filter": {"all"}, "limit": {"1"}, "since": {trelloEpoch}}
	if err := api.GetJSON(ctx, "1/boards/"+b.ID+"/actions", q, &actions); err != nil {
		return 0, fmt.Errorf("действия доски %s: %w", b.ID, err)
	}
	if len(actions) > 0 {
		if t, ok := parseTime(actions[0].Date); ok {
			return t.Unix(), nil
		}
	}
	return 0, nil
}

func (d *Driver) upsertBoard(ctx context.Context, run *connector.Run, api *apiclient.Client, b *board) error {
	ts, err := d.lastActivity(ctx, run, api, b)
	if err != nil {
		return err
	}
	boardStatus := status(b.Closed, "Open", "Closed")

	_, _, err = run.Upsert(ctx, connector.Item{
		Key:               boardPrefix + b.ID,
		Title:             "Board: " + b.Name,
		UpdatedTS:         ts,
		WebLink:           b.URL,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: boardKeywords,
		Attrs:             map[string]string{"board_id": b.ID, "name": b.Name, "status": boardStatus},
		Build: func(ctx context.Context) (any, error) {
			return d.buildBoard(ctx, api, b, boardStatus)
		},
		NeedsFetch: true,
	})
	return err
}

func (d *Driver) buildBoard(ctx context.Context, api *apiclient.Client, b *board, boardStatus string) (*Board, error) {
	content := &Board{
		Description:  toHTML(b.Desc),
		Status:       boardStatus,
		Organization: d.organization(ctx, api, b.IDOrganization),
		Members:      []Member{},
		Lists:        []List{},
	}

	lists, err := d.lists(ctx, api, b.ID)
	if err != nil {
		return nil, err
	}
	for _, l := range lists {
		if !l.Closed {
			content.Lists = append(content.Lists, List{ID: l.ID, Name: l.Name, Pos: l.Pos, Cards: []CardRef{}})
		}
	}

	var members []member
	q := url.Values{"fields": {"fullName,url,avatarHash"}}
	if err := api.GetJSON(ctx, "1/boards/"+b.ID+"/members", q, &members); err != nil {
		return nil, fmt.Errorf("участники доски %s: %w", b.ID, err)
	}
	for _, m := range members {
		content.Members = append(content.Members, toMember(m))
	}
	return content, nil
}

func toMember(m member) Member {
	out := Member{ID: m.ID, Name: m.FullName, URL: m.URL}
	if m.AvatarHash != "" {
		out.Avatar = "https://trello-avatars.s3.amazonaws.com/" + m.AvatarHash + "/30.png"
	}
	return out
}

// lists возвращает все списки доски, включая закрытые, по позиции.
func (d *Driver) lists(ctx context.Context, api *apiclient.Client, boardID string) ([]list, error) {
	var lists []list
	if err := api.GetJSON(ctx, "1/boards/"+boardID+"/lists", url.Values{"filter": {"all"}}, &lists); err != nil {
		return nil, fmt.Errorf("списки доски %s: %w", boardID, err)
	}
	sort.SliceStable(lists, func(i, j int) bool { return lists[i].Pos < lists[j].Pos })
	return lists, nil
}

// organization возвращает организацию из кэша или API. Удалённая
// организация даёт nil: доска считается личной.
func (d *Driver) organization(ctx context.Context, api *apiclient.Client, id string) *Organization {
	if id == "" {
		return nil
	}
	d.mu.Lock()
	org, ok := d.orgs[id]
	d.mu.Unlock()
	if ok {
		return org
	}

	var raw organization
	if err := api.GetJSON(ctx, "1/organizations/"+id, nil, &raw); err != nil {
		d.logger.Debug("Организация недоступна", slog.String("org_id", id), slog.String("error", err.Error()))
		if !errors.Is(err, connector.ErrGone) {
			return nil
		}
	} else {
		org = &Organization{
			Name: raw.DisplayName,
			Logo: "https://trello-logos.s3.amazonaws.com/" + id + "/30.png",
			URL:  raw.URL,
		}
	}

	d.mu.Lock()
	d.orgs[id] = org
	d.mu.Unlock()
	return org
}

// Fetch реализует connector.Driver: чек-листы и карточки доски. Открытые
// карточки читаются раньше закрытых, чтобы при исчерпании квоты в индекс
// попали прежде всего они.
func (d *Driver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	if !strings.HasPrefix(obj.Key, boardPrefix) {
		return nil, nil
	}
	api := d.client(run.Credential)
	boardID := obj.Attr("board_id")
	boardName := obj.Attr("name")

	content := &Board{}
	if len(obj.Content) > 0 {
		if err := json.Unmarshal(obj.Content, content); err != nil {
			return nil, fmt.Errorf("%w: содержимое доски %s: %v", connector.ErrPermanent, boardID, err)
		}
	}
	members := make(map[string]Member, len(content.Members))
	for _, m := range content.Members {
		members[m.ID] = m
	}

	lists, err := d.lists(ctx, api, boardID)
	if err != nil {
		return nil, err
	}
	listNames := make(map[string]string, len(lists))
	for _, l := range lists {
		listNames[l.ID] = l.Name
	}

	var raw []checklist
	if err := api.GetJSON(ctx, "1/boards/"+boardID+"/checklists", nil, &raw); err != nil {
		return nil, fmt.Errorf("чек-листы доски %s: %w", boardID, err)
	}
	checklists := make(map[string][]Checklist)
	for _, cl := range raw {
		items := make([]CheckItem, 0, len(cl.CheckItems))
		for _, it := range cl.CheckItems {
			items = append(items, CheckItem{Name: it.Name, Complete: it.State == "complete"})
		}
		checklists[cl.IDCard] = append(checklists[cl.IDCard], Checklist{Name: cl.Name, Items: items})
	}

	gate := ratelimit.NewGate(d.opts.QuotaThreshold, 0)
	byList := make(map[string][]CardRef)
	for _, filter := range []string{"open", "closed"} {
		err := d.eachCard(ctx, api, gate, boardID, filter, func(c *card) error {
			if !c.Closed {
				byList[c.IDList] = append(byList[c.IDList], CardRef{ID: c.ID, Name: c.Name, Pos: c.Pos, URL: c.URL})
			}
			cc := &Card{
				Board:       boardName,
				List:        listNames[c.IDList],
				Status:      status(c.Closed, "Open", "Archived"),
				Description: toHTML(c.Desc),
				Checklists:  checklists[c.ID],
			}
			for _, id := range c.IDMembers {
				if m, ok := members[id]; ok {
					cc.Members = append(cc.Members, m)
				}
			}
			return d.upsertCard(ctx, run, obj.Key, c, cc)
		})
		if err != nil {
			return nil, err
		}
	}

	for i := range content.Lists {
		cards := byList[content.Lists[i].ID]
		sort.SliceStable(cards, func(a, b int) bool { return cards[a].Pos < cards[b].Pos })
		if cards == nil {
			cards = []CardRef{}
		}
		content.Lists[i].Cards = cards
	}
	return content, nil
}

// eachCard читает карточки страницами: Trello листает через before с id
// последней карточки предыдущей страницы.
func (d *Driver) eachCard(ctx context.Context, api *apiclient.Client, gate *ratelimit.Gate, boardID, filter string, fn func(*card) error) error {
	before := ""
	for {
		if err := gate.Check(api); err != nil {
			return err
		}
		q := url.Values{"fields": {"all"}, "limit": {strconv.Itoa(cardPageSize)}}
		if before != "" {
			q.Set("before", before)
		}
		var cards []card
		if err := api.GetJSON(ctx, "1/boards/"+boardID+"/cards/"+filter, q, &cards); err != nil {
			return fmt.Errorf("карточки доски %s: %w", boardID, err)
		}
		for i := range cards {
			if err := fn(&cards[i]); err != nil {
				return err
			}
		}
		if len(cards) < cardPageSize {
			return nil
		}
		before = cards[len(cards)-1].ID
	}
}

func (d *Driver) upsertCard(ctx context.Context, run *connector.Run, boardKey string, c *card, content *Card) error {
	t, ok := parseTime(c.DateLastActivity)
	ts := t.Unix()
	if !ok {
		var err error
		if ts, err = run.FallbackTS(ctx, cardPrefix+c.ID); err != nil {
			return err
		}
	}
	_, _, err := run.Upsert(ctx, connector.Item{
		Key:               cardPrefix + c.ID,
		ParentKey:         boardKey,
		Title:             "Card: " + c.Name,
		UpdatedTS:         ts,
		WebLink:           c.URL,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: cardKeywords,
		Attrs:             map[string]string{"status": content.Status, "list": content.List},
		Content:           content,
	})
	return err
}
