// Файл vault.go — процессный кэш загруженных файлов: хранит tg.InputFileClass
// за непрозрачной ссылкой до момента отправки.
package qrtransport

import (
	"sync"

	"github.com/gotd/td/tg"
)

// mediaVault — общий для транспорта и загрузчика кэш загруженных файлов:
// движок оперирует непрозрачной ссылкой (RemoteRef), адаптер хранит за ней
// tg.InputFileClass до момента отправки. Ссылки серверных медиа кодируются
// statelessly (см. convert.go) и в кэш не попадают.
type mediaVault struct {
	mu    sync.Mutex
	files map[string]tg.InputFileClass
}

func newMediaVault() *mediaVault {
	return &mediaVault{files: make(map[string]tg.InputFileClass)}
}

func (v *mediaVault) put(ref string, f tg.InputFileClass) {
	v.mu.Lock()
	v.files[ref] = f
	v.mu.Unlock()
}

func (v *mediaVault) get(ref string) (tg.InputFileClass, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[ref]
	return f, ok
}

func (v *mediaVault) drop(ref string) {
	v.mu.Lock()
	delete(v.files, ref)
	v.mu.Unlock()
}
