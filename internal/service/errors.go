// errors.go: ошибки сервисного слоя.
package service

import "errors"

var (
	// ErrUnknownConnector: коннектор не зарегистрирован или отключён.
	ErrUnknownConnector = errors.New("неизвестный коннектор")
	// ErrNoCredential: у пользователя нет учётных данных для коннектора.
	ErrNoCredential = errors.New("учётные данные коннектора не найдены")
	// ErrInvalidTask: у задачи нет обязательных аргументов.
	ErrInvalidTask = errors.New("некорректная задача")
)
