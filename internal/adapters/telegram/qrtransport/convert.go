// Файл convert.go — трансляция между проводным представлением gotd и моделью
// движка: сообщения сервера в RemoteMessage, содержимое записи в InputMedia,
// кодирование серверных медиа в непрозрачные ссылки и обратно.
package qrtransport

import (
	"encoding/hex"
	"strconv"
	"strings"

	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// Префиксы непрозрачных ссылок на медиа. uploadRefPrefix помечает свежую
// загрузку (tg.InputFileClass лежит в mediaVault), остальные кодируют серверные
// объекты statelessly: "<prefix><id>:<access_hash>:<hex file_reference>".
const (
	uploadRefPrefix = "upload:"
	photoRefPrefix  = "photo:"
	docRefPrefix    = "doc:"
)

// remoteFromMessage переводит серверное сообщение в RemoteMessage движка;
// nil для сервисных и пустых сообщений.
func remoteFromMessage(mc tg.MessageClass) *quickreply.RemoteMessage {
	msg, ok := mc.(*tg.Message)
	if !ok {
		return nil
	}
	rm := &quickreply.RemoteMessage{
		ServerID: int64(msg.ID),
		Content:  contentFromMessage(msg),
	}
	if editDate, has := msg.GetEditDate(); has {
		rm.EditDate = int64(editDate)
	}
	if groupedID, has := msg.GetGroupedID(); has {
		rm.MediaGroupID = groupedID
	}
	if replyTo, has := msg.GetReplyTo(); has {
		if header, isMsg := replyTo.(*tg.MessageReplyHeader); isMsg {
			if replyID, hasID := header.GetReplyToMsgID(); hasID {
				rm.ReplyToServerID = int64(replyID)
			}
		}
	}
	return rm
}

// contentFromMessage извлекает содержимое записи из серверного сообщения.
// Неизвестные виды медиа деградируют до документа без ссылки.
func contentFromMessage(msg *tg.Message) quickreply.MessageContent {
	media, has := msg.GetMedia()
	if !has {
		return quickreply.MessageContent{Kind: quickreply.KindText, Text: msg.Message}
	}
	switch mm := media.(type) {
	case *tg.MessageMediaPhoto:
		c := quickreply.MessageContent{Kind: quickreply.KindPhoto, Text: msg.Message}
		if p, ok := mm.GetPhoto(); ok {
			if photo, isPhoto := p.(*tg.Photo); isPhoto {
				c.File = &quickreply.FileSource{RemoteRef: encodePhotoRef(photo)}
			}
		}
		return c
	case *tg.MessageMediaDocument:
		c := quickreply.MessageContent{Kind: quickreply.KindDocument, Text: msg.Message}
		d, ok := mm.GetDocument()
		if !ok {
			return c
		}
		doc, isDoc := d.(*tg.Document)
		if !isDoc {
			return c
		}
		file := &quickreply.FileSource{
			MIME:      doc.MimeType,
			Size:      doc.Size,
			RemoteRef: encodeDocRef(doc),
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				file.Name = a.FileName
			case *tg.DocumentAttributeVideo:
				c.Kind = quickreply.KindVideo
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					c.Kind = quickreply.KindVoice
				} else {
					c.Kind = quickreply.KindAudio
				}
			}
		}
		c.File = file
		return c
	default:
		logger.Debugf("qrtransport: message %d carries unsupported media %T", msg.ID, media)
		return quickreply.MessageContent{Kind: quickreply.KindText, Text: msg.Message}
	}
}

func encodePhotoRef(p *tg.Photo) string {
	return photoRefPrefix + strconv.FormatInt(p.ID, 10) + ":" +
		strconv.FormatInt(p.AccessHash, 10) + ":" + hex.EncodeToString(p.FileReference)
}

func encodeDocRef(d *tg.Document) string {
	return docRefPrefix + strconv.FormatInt(d.ID, 10) + ":" +
		strconv.FormatInt(d.AccessHash, 10) + ":" + hex.EncodeToString(d.FileReference)
}

// decodeServerRef восстанавливает InputMedia из statelessly закодированной
// ссылки на серверный объект.
func decodeServerRef(ref string) (tg.InputMediaClass, error) {
	var body string
	isPhoto := false
	switch {
	case strings.HasPrefix(ref, photoRefPrefix):
		body = strings.TrimPrefix(ref, photoRefPrefix)
		isPhoto = true
	case strings.HasPrefix(ref, docRefPrefix):
		body = strings.TrimPrefix(ref, docRefPrefix)
	default:
		return nil, errors.Errorf("unknown media ref %q", ref)
	}
	parts := strings.SplitN(body, ":", 3)
	if len(parts) != 3 {
		return nil, errors.Errorf("malformed media ref %q", ref)
	}
	id, errID := strconv.ParseInt(parts[0], 10, 64)
	accessHash, errHash := strconv.ParseInt(parts[1], 10, 64)
	fileRef, errRef := hex.DecodeString(parts[2])
	if errID != nil || errHash != nil || errRef != nil {
		return nil, errors.Errorf("malformed media ref %q", ref)
	}
	if isPhoto {
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID: id, AccessHash: accessHash, FileReference: fileRef,
		}}, nil
	}
	return &tg.InputMediaDocument{ID: &tg.InputDocument{
		ID: id, AccessHash: accessHash, FileReference: fileRef,
	}}, nil
}

// buildInputMedia собирает InputMedia для отправки: свежезагруженный файл
// берётся из кэша по ссылке, серверный декодируется из неё.
func buildInputMedia(c quickreply.MessageContent, vault *mediaVault) (tg.InputMediaClass, error) {
	if c.File == nil || c.File.RemoteRef == "" {
		return nil, errors.New("content has no uploaded file")
	}
	ref := c.File.RemoteRef
	if !strings.HasPrefix(ref, uploadRefPrefix) {
		return decodeServerRef(ref)
	}
	file, ok := vault.get(ref)
	if !ok {
		return nil, errors.Errorf("uploaded file %q is no longer cached", ref)
	}
	if c.Kind == quickreply.KindPhoto {
		return &tg.InputMediaUploadedPhoto{File: file}, nil
	}
	doc := &tg.InputMediaUploadedDocument{
		File:       file,
		MimeType:   c.File.MIME,
		Attributes: documentAttributes(c),
	}
	if doc.MimeType == "" {
		doc.MimeType = "application/octet-stream"
	}
	if c.Thumb != nil && strings.HasPrefix(c.Thumb.RemoteRef, uploadRefPrefix) {
		if thumb, okThumb := vault.get(c.Thumb.RemoteRef); okThumb {
			doc.SetThumb(thumb)
		}
	}
	return doc, nil
}

// documentAttributes собирает атрибуты загружаемого документа по виду контента.
func documentAttributes(c quickreply.MessageContent) []tg.DocumentAttributeClass {
	var attrs []tg.DocumentAttributeClass
	if c.File.Name != "" {
		attrs = append(attrs, &tg.DocumentAttributeFilename{FileName: c.File.Name})
	}
	switch c.Kind {
	case quickreply.KindVideo:
		attrs = append(attrs, &tg.DocumentAttributeVideo{SupportsStreaming: true})
	case quickreply.KindAudio:
		attrs = append(attrs, &tg.DocumentAttributeAudio{})
	case quickreply.KindVoice:
		attrs = append(attrs, &tg.DocumentAttributeAudio{Voice: true})
	case quickreply.KindPhoto, quickreply.KindDocument, quickreply.KindText:
	}
	return attrs
}
