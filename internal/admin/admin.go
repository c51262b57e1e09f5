// Package admin implements the pool's administrative message channel
// (spec.md §6): create_thin, create_snap, delete, trim, set_transaction_id.
// Every command commits metadata on success.
package admin

import (
	"fmt"
	"strconv"

	"github.com/behrlich/thinpool/internal/thinpool"
)

// Dispatch runs one administrative command against pool, returning an
// error describing why it failed. A failed pool operation returns the
// pool's own classified *thinpool.Error. A bad argument, a wrong argument
// count or an unknown command returns a plain error that carries no
// thinpool Kind, and a failed commit returns the metadata store's error
// unclassified.
func Dispatch(pool *thinpool.Pool, cmd string, args []string) error {
	switch cmd {
	case "create_thin":
		devID, err := parseDevID(args, 1)
		if err != nil {
			return err
		}
		return commitOnSuccess(pool, pool.CreateThinDevice(devID))

	case "create_snap":
		if len(args) != 2 {
			return fmt.Errorf("admin: create_snap needs dev_id and origin_id, got %d args", len(args))
		}
		devID, err := parseUint32(args[0])
		if err != nil {
			return fmt.Errorf("admin: dev_id: %w", err)
		}
		originID, err := parseUint32(args[1])
		if err != nil {
			return fmt.Errorf("admin: origin_id: %w", err)
		}
		return commitOnSuccess(pool, pool.CreateSnap(devID, originID))

	case "delete":
		devID, err := parseDevID(args, 1)
		if err != nil {
			return err
		}
		return commitOnSuccess(pool, pool.DeleteThinDevice(devID))

	case "trim":
		if len(args) != 2 {
			return fmt.Errorf("admin: trim needs dev_id and size_sectors, got %d args", len(args))
		}
		devID, err := parseUint32(args[0])
		if err != nil {
			return fmt.Errorf("admin: dev_id: %w", err)
		}
		sizeSectors, err := parseUint32(args[1])
		if err != nil {
			return fmt.Errorf("admin: size_sectors: %w", err)
		}
		return commitOnSuccess(pool, pool.TrimThinDevice(devID, sizeSectors))

	case "set_transaction_id":
		if len(args) != 2 {
			return fmt.Errorf("admin: set_transaction_id needs old and new, got %d args", len(args))
		}
		old, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("admin: old transaction id: %w", err)
		}
		new, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("admin: new transaction id: %w", err)
		}
		return commitOnSuccess(pool, pool.SetTransactionID(old, new))

	default:
		return fmt.Errorf("admin: unknown command %q", cmd)
	}
}

func commitOnSuccess(pool *thinpool.Pool, err error) error {
	if err != nil {
		return err
	}
	return pool.Commit()
}

func parseDevID(args []string, want int) (uint32, error) {
	if len(args) != want {
		return 0, fmt.Errorf("admin: expected %d args, got %d", want, len(args))
	}
	return parseUint32(args[0])
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
