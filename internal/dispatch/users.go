package dispatch

import (
	"encoding/json"
	"time"

	"golang.org/x/crypto/bcrypt"

	"replicated-chat/internal/presence"
	"replicated-chat/internal/protocol"
	"replicated-chat/internal/store"
)

// User record fields.
const (
	fieldUserName   = "user_name"
	fieldPassword   = "password_hash"
	fieldViewCount  = "view_count"
	fieldLogOffTime = "log_off_time"
)

const defaultViewCount = 5

func (d *Dispatcher) register(payload json.RawMessage) protocol.Frame {
	creds, err := protocol.DecodeCredentials(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	existing, err := d.store.Read(store.Users, store.Predicate{fieldUserName: creds.Username})
	if err != nil {
		return d.storeError(err)
	}
	if len(existing) > 0 {
		return protocol.Error("Username already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		d.logger.Error().Err(err).Msg("hash password")
		return protocol.Error("Internal server error")
	}

	rec := store.Record{
		fieldUserName:   creds.Username,
		fieldPassword:   hash,
		fieldViewCount:  defaultViewCount,
		fieldLogOffTime: nil,
	}
	if _, err := d.store.Insert(store.Users, rec); err != nil {
		return d.storeError(err)
	}

	d.logger.Info().Str("user", creds.Username).Msg("user registered")
	return protocol.Success("User created successfully")
}

func (d *Dispatcher) login(payload json.RawMessage, conn presence.FrameWriter) protocol.Frame {
	creds, err := protocol.DecodeCredentials(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	users, err := d.store.Read(store.Users, store.Predicate{fieldUserName: creds.Username})
	if err != nil {
		return d.storeError(err)
	}
	if len(users) == 0 {
		return protocol.Error("Invalid username or password")
	}

	hash, ok := users[0][fieldPassword].([]byte)
	if !ok {
		d.logger.Error().Str("user", creds.Username).Msg("stored password hash is not bytes")
		return protocol.Error("Invalid username or password")
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(creds.Password)) != nil {
		return protocol.Error("Invalid username or password")
	}

	// A replicated login carries no connection; presence stays untouched so
	// backups never accumulate phantom bindings.
	if conn != nil {
		d.presence.Bind(creds.Username, conn)
	}

	d.logger.Info().Str("user", creds.Username).Msg("login successful")
	return protocol.Success("Login successful")
}

func (d *Dispatcher) deleteUser(payload json.RawMessage) protocol.Frame {
	username, err := protocol.DecodeUsername(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	// Cascade first: every message the user sent or received goes with them.
	if _, err := d.store.Delete(store.Messages, store.Predicate{fieldSender: username}); err != nil {
		return d.storeError(err)
	}
	if _, err := d.store.Delete(store.Messages, store.Predicate{fieldReceiver: username}); err != nil {
		return d.storeError(err)
	}

	n, err := d.store.Delete(store.Users, store.Predicate{fieldUserName: username})
	if err != nil {
		return d.storeError(err)
	}
	if n == 0 {
		return protocol.Error("Failed to delete user")
	}

	d.logger.Info().Str("user", username).Msg("user deleted")
	return protocol.Success("User deleted successfully")
}

func (d *Dispatcher) getUserList() protocol.Frame {
	users, err := d.store.Read(store.Users, store.Predicate{})
	if err != nil {
		return d.storeError(err)
	}

	names := make([]string, 0, len(users))
	for _, u := range users {
		if name, ok := u[fieldUserName].(string); ok {
			names = append(names, name)
		}
	}
	return protocol.NewFrame(protocol.CodeUserList, names)
}

func (d *Dispatcher) updateViewCount(payload json.RawMessage) protocol.Frame {
	upd, err := protocol.DecodeViewCountUpdate(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	n, err := d.store.Update(store.Users,
		store.Predicate{fieldUserName: upd.Username},
		map[string]any{fieldViewCount: upd.NewCount})
	if err != nil {
		return d.storeError(err)
	}
	if n == 0 {
		return protocol.Error("Failed to update view count")
	}
	return protocol.Success("View count updated")
}

func (d *Dispatcher) logOff(payload json.RawMessage) protocol.Frame {
	username, err := protocol.DecodeUsername(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	n, err := d.store.Update(store.Users,
		store.Predicate{fieldUserName: username},
		map[string]any{fieldLogOffTime: store.FormatTimestamp(time.Now())})
	if err != nil {
		return d.storeError(err)
	}
	if n == 0 {
		return protocol.Error("Failed to update log off time")
	}
	return protocol.Success("Log off time updated")
}

func (d *Dispatcher) getUserStats(payload json.RawMessage) protocol.Frame {
	username, err := protocol.DecodeUsername(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	users, err := d.store.Read(store.Users, store.Predicate{fieldUserName: username})
	if err != nil {
		return d.storeError(err)
	}
	if len(users) == 0 {
		return protocol.Error("User not found")
	}

	stats := protocol.UserStats{}
	if vc, ok := store.AsInt(users[0][fieldViewCount]); ok {
		stats.ViewCount = vc
	}
	if s, ok := users[0][fieldLogOffTime].(string); ok && s != "" {
		stats.LogOffTime = &s
	}
	return protocol.NewFrame(protocol.CodeUserStats, stats)
}

func (d *Dispatcher) storeError(err error) protocol.Frame {
	d.logger.Error().Err(err).Msg("store operation failed")
	return protocol.Error("Storage failure, please retry")
}
