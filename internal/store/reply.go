package store

import "github.com/chatsync/internal/model"

// BuildReplySnapshot снимает неизменяемую копию цитируемого сообщения в
// момент отправки ответа. Живой ссылки на оригинал не остаётся: если его
// потом отредактируют или удалят, снимок продолжит отображаться как был.
func BuildReplySnapshot(original model.Message) model.ReplySnapshot {
	return model.ReplySnapshot{
		ID:            original.ID,
		Content:       original.Content,
		SenderID:      original.SenderID,
		SenderDisplay: original.SenderDisplay,
		Timestamp:     original.Timestamp,
		ContentType:   original.ContentType,
	}
}
