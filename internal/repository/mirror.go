// Package repository — локальное зеркало подтверждённых сообщений и комнат
// в Postgres. Зеркало ускоряет старт (история отдаётся из БД до похода к
// коллаборатору) и переживает рестарты шлюза. Все записи best effort:
// ошибка зеркала логируется и не ломает синхронизацию.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var ErrNotFound = errors.New("not found")

type MirrorRepository struct {
	pool *pgxpool.Pool
}

func NewMirrorRepository(pool *pgxpool.Pool) *MirrorRepository {
	return &MirrorRepository{pool: pool}
}

// UpsertMessage сохраняет подтверждённое сообщение. Повторная запись того же
// id обновляет изменяемые поля (content после edit, reactions).
func (r *MirrorRepository) UpsertMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("mirror.UpsertMessage", time.Now())()
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("mirrorRepo.UpsertMessage marshal reactions: %w", err)
	}
	var replyTo []byte
	if m.ReplyTo != nil {
		replyTo, err = json.Marshal(m.ReplyTo)
		if err != nil {
			return fmt.Errorf("mirrorRepo.UpsertMessage marshal reply: %w", err)
		}
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, sender_display, content, content_type, media_ref, ts, reactions, reply_to, is_edited, edited_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   content = EXCLUDED.content,
		   reactions = EXCLUDED.reactions,
		   is_edited = EXCLUDED.is_edited,
		   edited_at = EXCLUDED.edited_at`,
		m.ID, m.ChatID, m.SenderID, m.SenderDisplay, m.Content, m.ContentType, m.MediaRef, m.Timestamp, reactions, replyTo, m.IsEdited, m.EditedAt,
	)
	if err != nil {
		return fmt.Errorf("mirrorRepo.UpsertMessage: %w", err)
	}
	return nil
}

// GetChatMessages возвращает последние limit сообщений комнаты из зеркала
// (по возрастанию времени).
func (r *MirrorRepository) GetChatMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("mirror.GetChatMessages", time.Now())()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_id, sender_id, sender_display, content, content_type, media_ref, ts, reactions, reply_to, is_edited, edited_at
		 FROM (
		   SELECT * FROM messages WHERE chat_id = $1 ORDER BY ts DESC LIMIT $2
		 ) page
		 ORDER BY ts ASC`, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("mirrorRepo.GetChatMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var (
			m         model.Message
			reactions []byte
			replyTo   []byte
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderDisplay, &m.Content, &m.ContentType, &m.MediaRef, &m.Timestamp, &reactions, &replyTo, &m.IsEdited, &m.EditedAt); err != nil {
			return nil, fmt.Errorf("mirrorRepo.GetChatMessages scan: %w", err)
		}
		if len(reactions) > 0 {
			if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
				return nil, fmt.Errorf("mirrorRepo.GetChatMessages reactions: %w", err)
			}
		}
		if len(replyTo) > 0 {
			var snap model.ReplySnapshot
			if err := json.Unmarshal(replyTo, &snap); err != nil {
				return nil, fmt.Errorf("mirrorRepo.GetChatMessages reply: %w", err)
			}
			m.ReplyTo = &snap
		}
		m.Delivery = model.DeliveryConfirmed
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirrorRepo.GetChatMessages rows: %w", err)
	}
	return messages, nil
}

// UpsertRoom сохраняет метаданные комнаты.
func (r *MirrorRepository) UpsertRoom(ctx context.Context, room *model.Room) error {
	defer logger.DeferLogDuration("mirror.UpsertRoom", time.Now())()
	participants, err := json.Marshal(room.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("mirrorRepo.UpsertRoom marshal participants: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO rooms (id, kind, participant_ids, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   kind = EXCLUDED.kind,
		   participant_ids = EXCLUDED.participant_ids,
		   updated_at = EXCLUDED.updated_at`,
		room.ID, room.Kind, participants, room.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("mirrorRepo.UpsertRoom: %w", err)
	}
	return nil
}

// GetRoom возвращает комнату из зеркала.
func (r *MirrorRepository) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("mirror.GetRoom", time.Now())()
	room := &model.Room{}
	var participants []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, kind, participant_ids, updated_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Kind, &participants, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mirrorRepo.GetRoom: %w", err)
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &room.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("mirrorRepo.GetRoom participants: %w", err)
		}
	}
	return room, nil
}

// ListRooms возвращает известные зеркалу комнаты (свежие сверху).
func (r *MirrorRepository) ListRooms(ctx context.Context) ([]model.Room, error) {
	defer logger.DeferLogDuration("mirror.ListRooms", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, participant_ids, updated_at FROM rooms ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("mirrorRepo.ListRooms query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, 16)
	for rows.Next() {
		var (
			room         model.Room
			participants []byte
		)
		if err := rows.Scan(&room.ID, &room.Kind, &participants, &room.UpdatedAt); err != nil {
			return nil, fmt.Errorf("mirrorRepo.ListRooms scan: %w", err)
		}
		if len(participants) > 0 {
			if err := json.Unmarshal(participants, &room.ParticipantIDs); err != nil {
				return nil, fmt.Errorf("mirrorRepo.ListRooms participants: %w", err)
			}
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirrorRepo.ListRooms rows: %w", err)
	}
	return rooms, nil
}
