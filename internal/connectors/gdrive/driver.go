// Пакет gdrive: драйвер Google Drive. Полный листинг файлов при первой
// синхронизации, далее change feed по start page token. Пути строятся по
// дереву папок, помеченные маркером папки десинхронизируются целиком.
package gdrive

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/bigkaa/connector-sync/internal/connector"
	"github.com/bigkaa/connector-sync/internal/connector/apiclient"
	"github.com/bigkaa/connector-sync/internal/domain/budget"
	"github.com/bigkaa/connector-sync/internal/domain/hierarchy"
	"github.com/bigkaa/connector-sync/internal/domain/model"
)

// DefaultBaseURL: адрес Drive API v3.
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

// Типы, исключаемые уже в запросе к API.
var apiIgnoredMimes = []string{"image/", "audio/", "video/"}

// Типы, отфильтровываемые локально в листинге.
var ignoredMimes = []*regexp.Regexp{
	regexp.MustCompile(`(?i).*[-+/](zip|tar|gzip|bz2|rar|octet-stream).*`),
	regexp.MustCompile(`(?i)image/.*`),
	regexp.MustCompile(`(?i)video/.*`),
	regexp.MustCompile(`(?i)audio/.*`),
}

// Типы, содержимое которых загружается вторично.
var exportableMimes = []string{
	"application/vnd.google-apps.spreadsheet",
	"application/vnd.google-apps.document",
	"application/vnd.google-apps.presentation",
	"text/",
}

const primaryKeywords = "gdrive,google drive"

var secondaryKeywords = map[string]string{
	"application/pdf": "pdf",
	"application/vnd.google-apps.document": "google docs,docs,documents",
	"application/vnd.google-apps.spreadsheet": "google sheets,sheets,spreadsheets",
	"application/postscript": "postscript",
	"application/vnd.google-apps.presentation": "google slides,presentations,prezos,slides",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "word,documents",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "excel,sheets,spreadsheets",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "ppt,powerpoint,presentations slides,prezos",
	"text/xml": "xml",
	"text/plain": "text file",
	"application/x-iwork-numbers-sffnumbers": "iwork,numbers",
	"application/msword": "word,documents",
	"application/illustrator": "illustrator",
	"application/x-iwork-pages-sffpages": "iwork,pages",
	"application/vnd.ms-excel": "excel,sheets,spreadsheets",
	"application/vnd.ms-powerpoint": "ppt,powerpoint,presentations slides,prezos",
	"text/csv": "csv",
	"application/vnd.google-apps.drawing": "google drawing,drawings",
	"application/x-iwork-keynote-sffkey": "keynote,slides,presentations,prezos",
	"application/vnd.google-apps.form": "google form,forms",
	"text/html": "html",
	"application/x-javascript": "javascript",
	"application/xml": "xml",
	"application/rtf": "rtf",
	"text/css": "css,stylesheets",
	"application/vnd.ms-excel.sheet.macroenabled.12": "excel,sheets,spreadsheets",
	folderMime: "folders,dirs",
}

func isGoogleApp(mime string) bool { return strings.HasPrefix(mime, "application/vnd.google-apps.") }
func isSpreadsheet(mime string) bool { return strings.Contains(mime, "spreadsheet") }
func isIgnored(mime string) bool {
	for _, re := range ignoredMimes {
		if re.MatchString(mime) {
			return true
		}
	}
	return false
}

func isExportable(mime string) bool {
	for _, prefix := range exportableMimes {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

// Content: содержимое файла в индексе.
type Content struct {
	MimeType string `json:"mime_type"`
	Owner    string `json:"owner,omitempty"`
	Modifier string `json:"modifier,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Text     string `json:"text,omitempty"`
}

// DropOptional реализует budget.Reducible.
func (c *Content) DropOptional() bool {
	switch {
	case c.Icon != "":
		c.Icon = ""
	case c.Modifier != "":
		c.Modifier = ""
	case c.Owner != "":
		c.Owner = ""
	default:
		return false
	}
	return true
}

// HalveLargest реализует budget.Reducible.
func (c *Content) HalveLargest() bool { return budget.HalveString(&c.Text) }

// ClearLarge реализует budget.Reducible.
func (c *Content) ClearLarge() { c.Text = "" }

// Options: настройки драйвера.
type Options struct {
	BaseURL string
	// HiddenMarker: маркер в описании папки, исключающий её ветку
	HiddenMarker string
}

// Driver: драйвер Google Drive.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

// New создаёт драйвер Google Drive.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Driver{opts: opts, logger: logger.With(slog.String("component", "gdrive"))}
}

// Connector реализует connector.Driver.
func (d *Driver) Connector() model.Connector { return model.ConnectorGDrive }

func (d *Driver) client(cred *model.Credential) *client {
	return &client{api: apiclient.New("gdrive", d.opts.BaseURL, apiclient.Bearer(cred.AccessToken))}
}

// InitCursor реализует connector.CursorInitializer: без начального
// маркера change feed не вернёт изменений.
func (d *Driver) InitCursor(ctx context.Context, run *connector.Run) (string, error) {
	return d.client(run.Credential).startPageToken(ctx)
}

// Sync реализует connector.Driver.
func (d *Driver) Sync(ctx context.Context, run *connector.Run) error {
	s := &syncer{d: d, c: d.client(run.Credential), run: run}
	if run.FullListing() {
		return s.listAll(ctx)
	}
	return s.changes(ctx)
}

// syncer: состояние одного прохода. Дерево папок строится лениво
// на первой непустой странице.
type syncer struct {
	d      *Driver
	c      *client
	run    *connector.Run
	lookup *hierarchy.Lookup
}

func (s *syncer) ensureLookup(ctx context.Context) error {
	if s.lookup != nil {
		return nil
	}
	folders, err := s.c.folders(ctx, s.d.opts.HiddenMarker)
	if err != nil {
		return err
	}
	s.lookup = hierarchy.BuildLookup(folders)
	return nil
}

func (s *syncer) listAll(ctx context.Context) error {
	parts := make([]string, len(apiIgnoredMimes))
	for i, m := range apiIgnoredMimes {
		parts[i] = fmt.Sprintf("mimeType contains '%s'", m)
	}
	q := "not (" + strings.Join(parts, " or ") + ")"

	pageToken := ""
	for {
		page, err := s.c.listFiles(ctx, q, pageToken)
		if err != nil {
			return fmt.Errorf("листинг файлов: %w", err)
		}
		if len(page.Files) > 0 {
			if err := s.ensureLookup(ctx); err != nil {
				return err
			}
		}
		for i := range page.Files {
			if err := s.process(ctx, &page.Files[i]); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

func (s *syncer) changes(ctx context.Context) error {
	pageToken := s.run.Cursor
	newStart := ""
	for {
		page, err := s.c.listChanges(ctx, pageToken)
		if err != nil {
			return fmt.Errorf("change feed: %w", err)
		}
		if page.NewStartPageToken != "" {
			newStart = page.NewStartPageToken
		}
		if len(page.Changes) > 0 {
			if err := s.ensureLookup(ctx); err != nil {
				return err
			}
		}
		for _, ch := range page.Changes {
			if ch.Removed || ch.File == nil {
				if err := s.run.Remove(ctx, ch.FileID); err != nil {
					return err
				}
				continue
			}
			if err := s.process(ctx, ch.File); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	// Курсор сдвигается только после полностью прочитанной последовательности
	if newStart != "" {
		return s.run.SaveCursor(ctx, newStart)
	}
	return nil
}

func (s *syncer) process(ctx context.Context, f *file) error {
	mime := strings.ToLower(f.MimeType)
	if isIgnored(mime) {
		return nil
	}
	if f.Trashed {
		return s.run.Remove(ctx, f.ID)
	}

	parent := f.parent()
	if mime == folderMime && (hierarchy.HasMarker(f.Description, s.d.opts.HiddenMarker) || s.lookup.IsHidden(f.ID)) {
		n, err := hierarchy.DesyncBranch(ctx, f.ID, s.c.children, s.run.Remove)
		if err != nil {
			return fmt.Errorf("десинхронизация папки %s: %w", f.ID, err)
		}
		s.run.Logger.Info("Скрытая папка десинхронизирована",
			slog.String("folder_id", f.ID),
			slog.Int("removed", n),
		)
		return nil
	}
	if parent != "" && s.lookup.IsHidden(parent) {
		return s.run.Remove(ctx, f.ID)
	}

	var updatedTS int64
	if modified, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		updatedTS = modified.Unix()
	} else {
		s.run.Logger.Debug("Некорректное modifiedTime", slog.String("file_id", f.ID), slog.String("value", f.ModifiedTime))
	}

	content := &Content{MimeType: mime, Icon: f.IconLink}
	if len(f.Owners) > 0 {
		content.Owner = f.Owners[0].DisplayName
	}
	if f.LastModifyingUser != nil {
		content.Modifier = f.LastModifyingUser.DisplayName
	}

	item := connector.Item{
		Key:               f.ID,
		ParentKey:         parent,
		Title:             f.Name,
		UpdatedTS:         updatedTS,
		UpdatedAt:         f.ModifiedTime,
		WebLink:           f.WebViewLink,
		PrimaryKeywords:   primaryKeywords,
		SecondaryKeywords: secondaryKeywords[mime],
		Path:              s.lookup.PathOf(parent),
		Attrs: map[string]string{
			"mime":      mime,
			"owner":     content.Owner,
			"modifier":  content.Modifier,
			"icon":      f.IconLink,
			"thumbnail": f.ThumbnailLink,
		},
		NeedsFetch: isExportable(mime),
	}
	if !item.NeedsFetch {
		item.Content = content
	}

	_, _, err := s.run.Upsert(ctx, item)
	return err
}

// Fetch реализует connector.Driver: экспорт или скачивание файла,
// проверка, что содержимое текстовое, обрезка до бюджета.
func (d *Driver) Fetch(ctx context.Context, run *connector.Run, obj *model.SyncedObject) (any, error) {
	mime := obj.Attr("mime")
	content := &Content{
		MimeType: mime,
		Owner:    obj.Attr("owner"),
		Modifier: obj.Attr("modifier"),
		Icon:     obj.Attr("icon"),
	}

	data, err := d.client(run.Credential).download(ctx, obj.Key, mime)
	if err != nil {
		return nil, fmt.Errorf("загрузка файла %s: %w", obj.Key, err)
	}

	if !isText(data) {
		run.Logger.Debug("Содержимое не текстовое, пропущено",
			slog.String("file_id", obj.Key),
			slog.String("detected", mimetype.Detect(data).String()),
		)
		return content, nil
	}
	content.Text = budget.CutUTF8(strings.ToValidUTF8(string(data), ""), budget.MaxRecordBytes, 10)
	return content, nil
}

// isText проверяет по сигнатуре, что данные текстовые.
func isText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
