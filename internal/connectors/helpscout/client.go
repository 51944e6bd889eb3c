package helpscout

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
)

// page: постраничный ответ Mailbox API v1.
type page[T any] struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Count int `json:"count"`
	Items []T `json:"items"`
}

// eachPage обходит все страницы списка path, начиная с первой.
func eachPage[T any](ctx context.Context, api *apiclient.Client, path string, query url.Values, fn func([]T) error) error {
	for n := 1; ; n++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(n))

		var p page[T]
		if err := api.GetJSON(ctx, path, q, &p); err != nil {
			return err
		}
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

type mailbox struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type folder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type person struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	PhotoURL  string `json:"photoUrl"`
	Type      string `json:"type"`
}

func (p *person) fullName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type email struct {
	Value string `json:"value"`
}

type customer struct {
	ID           int64   `json:"id"`
	FirstName    string  `json:"firstName"`
	LastName     string  `json:"lastName"`
	Organization string  `json:"organization"`
	Emails       []email `json:"emails"`
	CreatedAt    string  `json:"createdAt"`
	ModifiedAt   string  `json:"modifiedAt"`
}

func (c *customer) fullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func (c *customer) emailList() []string {
	out := make([]string, 0, len(c.Emails))
	for _, e := range c.Emails {
		if e.Value != "" {
			out = append(out, e.Value)
		}
	}
	return out
}

type conversation struct {
	ID             int64    `json:"id"`
	FolderID       int64    `json:"folderId"`
	Status         string   `json:"status"`
	Subject        string   `json:"subject"`
	Tags           []string `json:"tags"`
	Owner          *person  `json:"owner"`
	Customer       *person  `json:"customer"`
	CreatedAt      string   `json:"createdAt"`
	ModifiedAt     string   `json:"modifiedAt"`
	UserModifiedAt string   `json:"userModifiedAt"`
}

// lastUpdated: время последнего изменения беседы пользователем,
// иначе системного изменения, иначе создания.
func (c *conversation) lastUpdated() string {
	switch {
	case c.UserModifiedAt != "":
		return c.UserModifiedAt
	case c.ModifiedAt != "":
		return c.ModifiedAt
	default:
		return c.CreatedAt
	}
}

type thread struct {
	Type      string  `json:"type"`
	Body      string  `json:"body"`
	CreatedAt string  `json:"createdAt"`
	CreatedBy *person `json:"createdBy"`
}

// directory: справочники аккаунта, нужные и листингу, и вторичным загрузкам.
type directory struct {
	mailboxes []mailbox
	// folders: имя папки по id, общий для всех ящиков
	folders map[int64]string
	users   map[int64]person
}

func loadUsers(ctx context.Context, api *apiclient.Client) (map[int64]person, error) {
	users := make(map[int64]person)
	err := eachPage(ctx, api, "v1/users.json", nil, func(items []person) error {
		for _, u := range items {
			users[u.ID] = u
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("пользователи helpscout: %w", err)
	}
	return users, nil
}

func loadDirectory(ctx context.Context, api *apiclient.Client) (*directory, error) {
	dir := &directory{folders: make(map[int64]string)}
	err := eachPage(ctx, api, "v1/mailboxes.json", nil, func(items []mailbox) error {
		dir.mailboxes = append(dir.mailboxes, items...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("почтовые ящики helpscout: %w", err)
	}

	for _, m := range dir.mailboxes {
		path := "v1/mailboxes/" + strconv.FormatInt(m.ID, 10) + "/folders.json"
		err := eachPage(ctx, api, path, nil, func(items []folder) error {
			for _, f := range items {
				dir.folders[f.ID] = f.Name
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("папки ящика %d: %w", m.ID, err)
		}
	}

	if dir.users, err = loadUsers(ctx, api); err != nil {
		return nil, err
	}
	return dir, nil
}
