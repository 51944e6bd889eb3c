package gdrive

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/domain/hierarchy"
)

const (
	folderMime = "application/vnd.google-apps.folder"
	pageSize   = "300"

	fileFields = "id,name,mimeType,modifiedTime,webViewLink,thumbnailLink,iconLink,trashed," +
		"description,lastModifyingUser(displayName,photoLink),owners(displayName,photoLink),parents"
)

type person struct {
	DisplayName string `json:"displayName"`
	PhotoLink   string `json:"photoLink"`
}

type file struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	MimeType          string   `json:"mimeType"`
	ModifiedTime      string   `json:"modifiedTime"`
	WebViewLink       string   `json:"webViewLink"`
	ThumbnailLink     string   `json:"thumbnailLink"`
	IconLink          string   `json:"iconLink"`
	Trashed           bool     `json:"trashed"`
	Description       string   `json:"description"`
	Parents           []string `json:"parents"`
	Owners            []person `json:"owners"`
	LastModifyingUser *person  `json:"lastModifyingUser"`
}

func (f *file) parent() string {
	if len(f.Parents) == 0 {
		return ""
	}
	return f.Parents[0]
}

type filesPage struct {
	Files         []file `json:"files"`
	NextPageToken string `json:"nextPageToken"`
}

type change struct {
	FileID  string `json:"fileId"`
	Removed bool   `json:"removed"`
	File    *file  `json:"file"`
}

type changesPage struct {
	Changes           []change `json:"changes"`
	NextPageToken     string   `json:"nextPageToken"`
	NewStartPageToken string   `json:"newStartPageToken"`
}

// client: обёртка над Drive API v3 для одних учётных данных.
type client struct {
	api *apiclient.Client
}

func (c *client) listFiles(ctx context.Context, q, pageToken string) (*filesPage, error) {
	params := url.Values{
		"q":        {q},
		"pageSize": {pageSize},
		"fields":   {"files(" + fileFields + "),nextPageToken"},
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	var page filesPage
	if err := c.api.GetJSON(ctx, "files", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *client) listChanges(ctx context.Context, pageToken string) (*changesPage, error) {
	params := url.Values{
		"pageToken":         {pageToken},
		"pageSize":          {pageSize},
		"fields":            {"changes(fileId,removed,file(" + fileFields + ")),newStartPageToken,nextPageToken"},
		"spaces":            {"drive"},
		"includeRemoved":    {"true"},
		"restrictToMyDrive": {"false"},
	}
	var page changesPage
	if err := c.api.GetJSON(ctx, "changes", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *client) startPageToken(ctx context.Context) (string, error) {
	var resp struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.api.GetJSON(ctx, "changes/startPageToken", nil, &resp); err != nil {
		return "", err
	}
	if resp.StartPageToken == "" {
		return "", fmt.Errorf("пустой startPageToken")
	}
	return resp.StartPageToken, nil
}

// folders возвращает полный список папок пользователя.
func (c *client) folders(ctx context.Context, marker string) ([]hierarchy.Folder, error) {
	var out []hierarchy.Folder
	pageToken := ""
	for {
		params := url.Values{
			"q":        {"mimeType = '" + folderMime + "'"},
			"pageSize": {"100"},
			"fields":   {"files(id,name,parents,description),nextPageToken"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var page filesPage
		if err := c.api.GetJSON(ctx, "files", params, &page); err != nil {
			return nil, fmt.Errorf("список папок: %w", err)
		}
		for _, f := range page.Files {
			out = append(out, hierarchy.Folder{
				ID:       f.ID,
				ParentID: f.parent(),
				Name:     f.Name,
				Hidden:   hierarchy.HasMarker(f.Description, marker),
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// children возвращает актуальное содержимое папки.
func (c *client) children(ctx context.Context, folderID string) ([]hierarchy.Child, error) {
	var out []hierarchy.Child
	pageToken := ""
	for {
		params := url.Values{
			"q":        {"'" + folderID + "' in parents and trashed = false"},
			"pageSize": {pageSize},
			"fields":   {"files(id,mimeType),nextPageToken"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var page filesPage
		if err := c.api.GetJSON(ctx, "files", params, &page); err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			out = append(out, hierarchy.Child{ID: f.ID, IsFolder: f.MimeType == folderMime})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// download возвращает содержимое файла: документы Google экспортируются
// в текст, остальные файлы скачиваются как есть.
func (c *client) download(ctx context.Context, id, mime string) ([]byte, error) {
	if isGoogleApp(mime) {
		export := "text/plain"
		if isSpreadsheet(mime) {
			export = "text/csv"
		}
		body, _, err := c.api.Get(ctx, "files/"+url.PathEscape(id)+"/export", url.Values{"mimeType": {export}})
		return body, err
	}
	body, _, err := c.api.Get(ctx, "files/"+url.PathEscape(id), url.Values{"alt": {"media"}})
	return body, err
}
