// Package qrtransport — сетевой адаптер движка быстрых ответов поверх raw API
// gotd: трансляция запросов движка в MTProto-вызовы, разбор ответных апдейтов
// и классификация RPC-ошибок в таксономию движка.
package qrtransport

import (
	"strconv"
	"strings"

	"quickreply-sync/internal/domain/quickreply"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

// classify переводит ошибку gotd в таксономию движка: FLOOD_WAIT и серверные
// 5xx становятся транзиентными, протухшая файловая ссылка и отсутствующие
// части файла — типизированными восстановимыми ошибками. Остальное проходит
// без изменений.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &quickreply.TransientError{RetryAfter: d, Err: err}
	}
	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		if strings.HasPrefix(rpc.Type, "FILE_REFERENCE") {
			return &quickreply.FileReferenceError{}
		}
		if strings.HasPrefix(rpc.Type, "FILE_PART_") && strings.HasSuffix(rpc.Type, "MISSING") {
			return &quickreply.FilePartsMissingError{Parts: missingParts(rpc)}
		}
		if rpc.Code >= 500 {
			return &quickreply.TransientError{Err: err}
		}
	}
	return err
}

// missingParts извлекает номер отсутствующей части из текста ошибки
// FILE_PART_%d_MISSING; tgerr складывает число в Argument.
func missingParts(rpc *tgerr.Error) []int {
	if rpc.Argument > 0 {
		return []int{rpc.Argument}
	}
	// Запасной разбор на случай, если номер остался в типе.
	fields := strings.Split(rpc.Type, "_")
	for _, f := range fields {
		if n, convErr := strconv.Atoi(f); convErr == nil {
			return []int{n}
		}
	}
	return nil
}
