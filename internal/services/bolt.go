package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of chats,
// messages, votes and uploaded files. It provides atomic operations for managing chat histories and
// their associated records through a key-value storage model.
type BoltDB struct {
	db *bolt.DB
}

var (
	chatsBucket = []byte("chats")
	filesBucket = []byte("files")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, filesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func voteBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("votes-%s", chatID))
}

// sequenceKey keeps insertion order under bolt's byte-wise key ordering.
func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Chats retrieves the chats owned by userID, newest first.
func (b BoltDB) Chats(_ context.Context, userID string) ([]models.Chat, error) {
	chats := []models.Chat{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.UserID == userID {
				chats = append(chats, chat)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return chats, nil
}

// Chat retrieves a single chat. It returns models.ErrNotFound if no chat has the given ID.
func (b BoltDB) Chat(_ context.Context, id string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(id))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &chat); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		return nil
	})
	return chat, err
}

// AddChat stores a new chat record in the database and creates its message and vote buckets. Chats
// keep the ID they were given, since clients address a conversation before it is stored. An empty ID
// is rejected.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	if chat.ID == "" {
		return "", fmt.Errorf("chat id is required")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(voteBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create vote bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return tx.Bucket(chatsBucket).Put([]byte(chat.ID), v)
	})

	return chat.ID, err
}

// UpdateChat modifies an existing chat record in the database. If the chat doesn't exist, the
// operation is silently ignored. Returns an error if the marshaling or database operation fails.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)
		if bucket.Get([]byte(chat.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bucket.Put([]byte(chat.ID), v)
	})
}

// DeleteChat removes a chat together with its messages and votes. It returns models.ErrNotFound if
// the chat doesn't exist.
func (b BoltDB) DeleteChat(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)
		if bucket.Get([]byte(id)) == nil {
			return models.ErrNotFound
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		for _, name := range [][]byte{messageBucketName(id), voteBucketName(id)} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Messages retrieves all messages associated with the specified chat ID. It returns the messages
// in their stored order or an error if the database operation fails.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to the specified chat's message bucket and returns its ID. It returns
// models.ErrNotFound if the chat doesn't exist.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return models.ErrNotFound
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		message.ChatID = chatID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(sequenceKey(seq), v)
	})

	return message.ID, err
}

// Votes retrieves the votes cast in a chat.
func (b BoltDB) Votes(_ context.Context, chatID string) ([]models.Vote, error) {
	votes := []models.Vote{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(voteBucketName(chatID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var vote models.Vote
			if err := json.Unmarshal(v, &vote); err != nil {
				return fmt.Errorf("failed to unmarshal vote: %w", err)
			}
			votes = append(votes, vote)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return votes, nil
}

// Vote stores a vote, replacing any earlier vote on the same message.
func (b BoltDB) Vote(_ context.Context, vote models.Vote) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(voteBucketName(vote.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create vote bucket: %w", err)
		}

		v, err := json.Marshal(vote)
		if err != nil {
			return fmt.Errorf("failed to marshal vote: %w", err)
		}

		return bucket.Put([]byte(vote.MessageID), v)
	})
}

// AddFile stores an uploaded file and returns its ID.
func (b BoltDB) AddFile(_ context.Context, file models.File) (string, error) {
	if file.ID == "" || strings.ContainsRune(file.ID, '/') {
		return "", fmt.Errorf("invalid file id %q", file.ID)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(file)
		if err != nil {
			return fmt.Errorf("failed to marshal file: %w", err)
		}
		return tx.Bucket(filesBucket).Put([]byte(file.ID), v)
	})
	return file.ID, err
}

// File retrieves an uploaded file. It returns models.ErrNotFound if no file has the given ID.
func (b BoltDB) File(_ context.Context, id string) (models.File, error) {
	var file models.File
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(id))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &file); err != nil {
			return fmt.Errorf("failed to unmarshal file: %w", err)
		}
		return nil
	})
	return file, err
}
