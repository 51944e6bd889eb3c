// Пакет lifecycle описывает жизненный цикл синхронизированного объекта:
// сравнение маркеров изменения и допустимые переходы статусов.
package lifecycle

import "github.com/bigkaa/connector-sync/internal/domain/model"

// NeedsResync решает, нужно ли повторно синхронизировать объект.
//
//   - created или Pending: всегда да;
//   - Processing: нет, вторичная загрузка уже идёт;
//   - Ready: да, если локальный маркер не задан или удалённый новее.
func NeedsResync(localMarker, remoteMarker int64, status model.Status, created bool) bool {
	if created {
		return true
	}
	switch status {
	case model.StatusPending:
		return true
	case model.StatusProcessing:
		return false
	case model.StatusReady:
		return localMarker == 0 || remoteMarker > localMarker
	default:
		return true
	}
}

// transitions: разрешённые переходы статусов.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusPending, model.StatusProcessing, model.StatusReady},
	model.StatusProcessing: {model.StatusReady},
	model.StatusReady:      {model.StatusPending, model.StatusReady},
}

// CanTransition проверяет допустимость перехода from → to.
// Нулевой from означает ещё не сохранённый объект.
func CanTransition(from, to model.Status) bool {
	if from == 0 {
		return to == model.StatusPending || to == model.StatusReady
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
