// Файл uploader.go — реализация quickreply.Uploader поверх загрузчика gotd.
// Загрузка выполняется в отдельной горутине; отмена — через контекст,
// зарегистрированный по корреляционному токену движка.
package qrtransport

import (
	"context"
	"sync"

	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/logger"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

// Uploader реализует quickreply.Uploader.
type Uploader struct {
	up    *uploader.Uploader
	vault *mediaVault

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Компиляторная проверка соответствия интерфейсу.
var _ quickreply.Uploader = (*Uploader)(nil)

func newUploader(api *tg.Client, vault *mediaVault) *Uploader {
	return &Uploader{
		up:     uploader.NewUploader(api),
		vault:  vault,
		active: make(map[string]context.CancelFunc),
	}
}

// Upload загружает файл целиком; результат доставляется колбэком из горутины
// загрузки.
func (u *Uploader) Upload(ctx context.Context, uploadID string, src quickreply.FileSource, done func(quickreply.UploadResult)) {
	u.run(ctx, uploadID, src, done)
}

// Resume дозагружает файл после ответа об отсутствующих частях. Загрузчик gotd
// не поддерживает частичный резюм, поэтому файл перезагружается целиком —
// для движка это неотличимо от успешного резюма.
func (u *Uploader) Resume(ctx context.Context, uploadID string, src quickreply.FileSource, missingParts []int, done func(quickreply.UploadResult)) {
	logger.Debugf("qrtransport: re-uploading %s (missing parts %v)", src.Path, missingParts)
	u.run(ctx, uploadID, src, done)
}

func (u *Uploader) run(ctx context.Context, uploadID string, src quickreply.FileSource, done func(quickreply.UploadResult)) {
	runCtx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.active[uploadID] = cancel
	u.mu.Unlock()

	go func() {
		defer func() {
			u.mu.Lock()
			delete(u.active, uploadID)
			u.mu.Unlock()
			cancel()
		}()
		file, err := u.up.FromPath(runCtx, src.Path)
		if err != nil {
			done(quickreply.UploadResult{UploadID: uploadID, Err: classify(err)})
			return
		}
		ref := uploadRefPrefix + uploadID
		u.vault.put(ref, file)
		done(quickreply.UploadResult{UploadID: uploadID, Ref: ref})
	}()
}

// Cancel прекращает загрузку; выданный колбэк может уже не прийти.
func (u *Uploader) Cancel(uploadID string) {
	u.mu.Lock()
	cancel, ok := u.active[uploadID]
	if ok {
		delete(u.active, uploadID)
	}
	u.mu.Unlock()
	if ok {
		cancel()
		u.vault.drop(uploadRefPrefix + uploadID)
	}
}
