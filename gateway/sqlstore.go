package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/promoterlink/linkchat/gate"
	"github.com/promoterlink/linkchat/model"
)

const (
	insertMessageSQL = "INSERT INTO messages (server_id, local_id, conv_key, sender, receiver, content, create_time, read_state) " +
		"VALUES (?,?,?,?,?,?,?,0)"
	getConversationSQL = "SELECT server_id, local_id, sender, receiver, content, create_time, read_state " +
		"FROM messages WHERE conv_key=? ORDER BY id ASC"
	markReadSQL = "UPDATE messages SET read_state=1 WHERE sender=? AND receiver=? AND read_state=0"

	getRosterSQL = "SELECT u.id, u.owner_name, u.profile_pic_url, c.expire_time, " +
		"(SELECT COUNT(*) FROM messages m WHERE m.sender=c.contact_id AND m.receiver=c.user_id AND m.read_state=0) " +
		"FROM contacts c JOIN users u ON u.id=c.contact_id WHERE c.user_id=?"

	getProfileSQL   = "SELECT id, owner_name, profile_pic_url, link_coins FROM users WHERE id=?"
	lockCoinsSQL    = "SELECT link_coins FROM users WHERE id=? FOR UPDATE"
	debitCoinsSQL   = "UPDATE users SET link_coins=link_coins-? WHERE id=?"
	renewContactSQL = "UPDATE contacts SET expire_time=? WHERE (user_id=? AND contact_id=?) OR (user_id=? AND contact_id=?)"
)

// SQLStore implements interface `IHistoryStore` on MySQL.
type SQLStore struct {
	*sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db}
}

func (s *SQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL,
			msg.ServerId, msg.LocalId, msg.ConvKey(), msg.Sender, msg.Receiver,
			msg.Content, msg.Timestamp)
		if err != nil {
			// server_id is a unique key: a duplicate insert means the client
			// re-sent after losing the ack, the message is already saved.
			if s.IsDupKeyError(err) {
				glog.V(5).Infof("save message: duplicate server_id %s, skipped", msg.ServerId)
				return nil
			}
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		return nil
	})
}

func (s *SQLStore) Conversation(ctx context.Context, a, b string) ([]*model.Message, error) {
	var out []*model.Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, getConversationSQL, model.ConvKey(a, b))
		if err != nil {
			glog.Errorf("get conversation query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m model.Message
			var readState byte
			if err := rows.Scan(&m.ServerId, &m.LocalId, &m.Sender, &m.Receiver,
				&m.Content, &m.Timestamp, &readState); err != nil {
				glog.Errorf("get conversation scan err: %v", err)
				return err
			}
			m.Delivery = model.DeliverySent
			m.Read = model.StateUnread
			if readState > 0 {
				m.Read = model.StateRead
			}
			out = append(out, &m)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, sender, receiver string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, markReadSQL, sender, receiver)
		return err
	})
}

func (s *SQLStore) Roster(ctx context.Context, userId string) ([]*RosterEntry, error) {
	var out []*RosterEntry
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, getRosterSQL, userId)
		if err != nil {
			glog.Errorf("get roster query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var u RosterUser
			var expiry sql.NullTime
			var unread int
			if err := rows.Scan(&u.Id, &u.OwnerName, &u.ProfilePicUrl, &expiry, &unread); err != nil {
				glog.Errorf("get roster scan err: %v", err)
				return err
			}
			entry := &RosterEntry{User: &u, UnreadCount: unread}
			if expiry.Valid {
				t := expiry.Time
				entry.ConversationExpiry = &t
			}
			out = append(out, entry)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *SQLStore) Renew(ctx context.Context, userId, targetId string) (time.Time, error) {
	var expiry time.Time
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// select for update
		var coins int
		row := tx.QueryRowContext(ctx, lockCoinsSQL, userId)
		if err := row.Scan(&coins); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("unknown user %s", userId)
			}
			glog.Errorf("lock coins scan err: %v", err)
			return err
		}
		if coins < gate.RenewalCost {
			return model.Errorf(model.ErrInsufficientBalance,
				"user %s has %d LinkCoins", userId, coins)
		}

		if _, err := tx.ExecContext(ctx, debitCoinsSQL, gate.RenewalCost, userId); err != nil {
			glog.Errorf("debit coins exec err: %v", err)
			return err
		}

		expiry = time.Now().Add(gate.RenewalWindow)
		res, err := tx.ExecContext(ctx, renewContactSQL, expiry,
			userId, targetId, targetId, userId)
		if err != nil {
			glog.Errorf("renew contact exec err: %v", err)
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %s is not a contact of %s", targetId, userId)
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return time.Time{}, err
	}

	return expiry, nil
}

func (s *SQLStore) Profile(ctx context.Context, userId string) (*model.User, error) {
	var u model.User
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, getProfileSQL, userId)
		if err := row.Scan(&u.Id, &u.DisplayName, &u.ProfilePicUrl, &u.LinkCoins); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("unknown user %s", userId)
			}
			glog.Errorf("get profile scan err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return &u, nil
}
