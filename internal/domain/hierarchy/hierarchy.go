// Пакет hierarchy строит дерево папок внешнего хранилища на время одного
// запуска: пути от корня, признак скрытых веток, рекурсивная десинхронизация.
package hierarchy

import (
	"context"
	"fmt"
	"strings"
)

// Folder: узел иерархии из полного списка папок.
type Folder struct {
	ID string
	// ParentID: пустая строка для корневых папок
	ParentID string
	Name     string
	// Hidden: папка помечена маркером и не должна синхронизироваться
	Hidden bool
}

// HasMarker проверяет наличие маркера скрытой папки в описании.
func HasMarker(description, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(description), strings.ToLower(marker))
}

// Lookup: индекс папок по id.
type Lookup struct {
	nodes    map[string]Folder
	children map[string][]string
}

// BuildLookup строит индекс из полного списка папок.
func BuildLookup(folders []Folder) *Lookup {
	l := &Lookup{
		nodes:    make(map[string]Folder, len(folders)),
		children: make(map[string][]string),
	}
	for _, f := range folders {
		l.nodes[f.ID] = f
		if f.ParentID != "" {
			l.children[f.ParentID] = append(l.children[f.ParentID], f.ID)
		}
	}
	return l
}

// Len возвращает количество папок.
func (l *Lookup) Len() int {
	if l == nil {
		return 0
	}
	return len(l.nodes)
}

// ancestors возвращает цепочку от id до корня включительно.
// Отсутствующий родитель считается корнем. При цикле обход
// останавливается на первом повторном узле.
func (l *Lookup) ancestors(id string) []Folder {
	if l == nil {
		return nil
	}
	var chain []Folder
	visited := make(map[string]bool)
	for id != "" {
		if visited[id] {
			break
		}
		f, ok := l.nodes[id]
		if !ok {
			break
		}
		visited[id] = true
		chain = append(chain, f)
		id = f.ParentID
	}
	return chain
}

// PathOf возвращает имена папок от корня до id включительно.
// Для неизвестного id возвращается пустой путь.
func (l *Lookup) PathOf(id string) []string {
	chain := l.ancestors(id)
	path := make([]string, len(chain))
	for i, f := range chain {
		path[len(chain)-1-i] = f.Name
	}
	return path
}

// IsHidden сообщает, скрыта ли папка id или любой из её предков.
func (l *Lookup) IsHidden(id string) bool {
	for _, f := range l.ancestors(id) {
		if f.Hidden {
			return true
		}
	}
	return false
}

// Children возвращает id дочерних папок из индекса.
func (l *Lookup) Children(id string) []string {
	if l == nil {
		return nil
	}
	return l.children[id]
}

// Child: элемент свежего листинга содержимого папки.
type Child struct {
	ID       string
	IsFolder bool
}

// ChildLister возвращает актуальное содержимое папки.
type ChildLister func(ctx context.Context, folderID string) ([]Child, error)

// Remover удаляет синхронизированный объект по ключу.
type Remover func(ctx context.Context, key string) error

// DesyncBranch удаляет все синхронизированные объекты ветки folderID:
// сначала рекурсивно подпапки, затем их файлы и саму папку.
// Используется свежий листинг, а не индекс запуска. Возвращает число
// вызовов remove.
func DesyncBranch(ctx context.Context, folderID string, list ChildLister, remove Remover) (int, error) {
	visited := make(map[string]bool)
	return desync(ctx, folderID, list, remove, visited)
}

func desync(ctx context.Context, folderID string, list ChildLister, remove Remover, visited map[string]bool) (int, error) {
	if visited[folderID] {
		return 0, nil
	}
	visited[folderID] = true

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	children, err := list(ctx, folderID)
	if err != nil {
		return 0, fmt.Errorf("листинг папки %s: %w", folderID, err)
	}

	removed := 0
	// Подпапки раньше файлов
	for _, c := range children {
		if !c.IsFolder {
			continue
		}
		n, err := desync(ctx, c.ID, list, remove, visited)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	for _, c := range children {
		if c.IsFolder {
			continue
		}
		if err := remove(ctx, c.ID); err != nil {
			return removed, fmt.Errorf("удаление %s: %w", c.ID, err)
		}
		removed++
	}

	if err := remove(ctx, folderID); err != nil {
		return removed, fmt.Errorf("удаление папки %s: %w", folderID, err)
	}
	return removed + 1, nil
}
