// Package secretservice reads credentials from an org.freedesktop.Secret
// provider such as KeePassXC or GNOME Keyring.
//
// Every attribute of every reachable item becomes a search term. Secrets
// are fetched one item at a time over a session negotiated with the
// "dh-ietf1024-sha256-aes128-cbc-pkcs7" algorithm, falling back to
// "plain" when the provider does not support it.
package secretservice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/crypto"
	"github.com/forest6511/passrunner/pkg/vault"
)

// D-Bus error names sorted into the vault error taxonomy by classify.
const (
	errServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameHasNoOwner  = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errNotSupported    = "org.freedesktop.DBus.Error.NotSupported"
	errUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
	errNoSuchObject    = "org.freedesktop.Secret.Error.NoSuchObject"
	errUnknownObject   = "org.freedesktop.DBus.Error.UnknownObject"
	errServiceNotFound = "org.freedesktop.DBus.Error.ServiceNotFound"
)

const closeTimeout = 2 * time.Second

// Client reads a Secret Service provider through a Bus.
type Client struct {
	bus       Bus
	algorithm string
	log       *zap.Logger
}

// New returns a Client. algorithm is crypto.AlgorithmDH or
// crypto.AlgorithmPlain; empty selects the DH algorithm.
func New(bus Bus, algorithm string, log *zap.Logger) (*Client, error) {
	switch algorithm {
	case "":
		algorithm = crypto.AlgorithmDH
	case crypto.AlgorithmDH, crypto.AlgorithmPlain:
	default:
		return nil, fmt.Errorf("unsupported secret service algorithm %q", algorithm)
	}
	return &Client{bus: bus, algorithm: algorithm, log: log}, nil
}

// Name identifies the backend in logs.
func (c *Client) Name() string { return "secretservice" }

// FetchTerms implements vault.TermProvider.
func (c *Client) FetchTerms(ctx context.Context, exclude []string, unlock bool) (vault.Status, []vault.Term, error) {
	if err := ValidatePatterns(exclude); err != nil {
		return vault.StatusLocked, nil, err
	}
	collections, err := c.bus.Collections(ctx)
	if err != nil {
		return vault.StatusNoProvider, nil, classify(err)
	}

	var reachable []dbus.ObjectPath
	locked := 0
	for _, col := range collections {
		ok, err := c.reach(ctx, col, unlock)
		if err != nil {
			return vault.StatusLocked, nil, err
		}
		if !ok {
			locked++
			continue
		}
		reachable = append(reachable, col)
	}

	var terms []vault.Term
	for _, col := range reachable {
		items, err := c.bus.Items(ctx, col)
		if err != nil {
			return vault.StatusLocked, nil, classify(err)
		}
		for _, item := range items {
			found, err := c.itemTerms(ctx, item, exclude)
			if err != nil {
				return vault.StatusLocked, nil, err
			}
			terms = append(terms, found...)
		}
	}

	c.log.Debug("collected terms",
		zap.Int("collections", len(collections)),
		zap.Int("locked", locked),
		zap.Int("terms", len(terms)))
	if len(terms) == 0 && locked > 0 {
		return vault.StatusLocked, nil, nil
	}
	return vault.StatusOK, terms, nil
}

// reach reports whether col can be read, unlocking it if allowed.
func (c *Client) reach(ctx context.Context, col dbus.ObjectPath, unlock bool) (bool, error) {
	isLocked, err := c.bus.CollectionLocked(ctx, col)
	if err != nil {
		return false, classify(err)
	}
	if !isLocked {
		return true, nil
	}
	if !unlock {
		return false, nil
	}
	return c.unlock(ctx, col)
}

func (c *Client) unlock(ctx context.Context, col dbus.ObjectPath) (bool, error) {
	c.log.Info("unlocking collection", zap.String("collection", string(col)))
	unlocked, err := c.bus.Unlock(ctx, []dbus.ObjectPath{col})
	switch {
	case errors.Is(err, ErrPromptDismissed):
		c.log.Info("unlock prompt dismissed", zap.String("collection", string(col)))
		return false, nil
	case err != nil:
		return false, classify(err)
	}
	if !slices.Contains(unlocked, col) {
		c.log.Warn("failed to unlock collection", zap.String("collection", string(col)))
		return false, nil
	}
	return true, nil
}

func (c *Client) itemTerms(ctx context.Context, item dbus.ObjectPath, exclude []string) ([]vault.Term, error) {
	label, err := c.bus.ItemLabel(ctx, item)
	if err != nil {
		return nil, classify(err)
	}
	attrs, err := c.bus.ItemAttributes(ctx, item)
	if err != nil {
		return nil, classify(err)
	}

	label = vault.Normalize(label)
	var terms []vault.Term
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		value := vault.Normalize(attrs[name])
		if value == "" || excluded(name, exclude) {
			continue
		}
		terms = append(terms, vault.Term{
			Label:     label,
			Identity:  string(item),
			Attribute: name,
			Value:     value,
		})
	}
	return terms, nil
}

// FetchSecret implements vault.TermProvider. A locked item's collection is
// unlocked first; if that fails the status is StatusLocked.
func (c *Client) FetchSecret(ctx context.Context, identity string) (vault.Status, []byte, error) {
	item := dbus.ObjectPath(identity)
	if !item.IsValid() || item == noPrompt {
		return vault.StatusLocked, nil, fmt.Errorf("%w: invalid item path %q", vault.ErrMalformedResponse, identity)
	}

	isLocked, err := c.bus.ItemLocked(ctx, item)
	if err != nil {
		return vault.StatusLocked, nil, classify(err)
	}
	if isLocked {
		ok, err := c.unlock(ctx, collectionOf(item))
		if err != nil {
			return vault.StatusLocked, nil, err
		}
		if !ok {
			return vault.StatusLocked, nil, nil
		}
	}

	sess, err := c.openSession(ctx)
	if err != nil {
		return vault.StatusLocked, nil, err
	}
	defer c.closeSession(sess)

	s, err := c.bus.GetSecret(ctx, item, sess.path)
	if err != nil {
		return vault.StatusLocked, nil, classify(err)
	}
	secret, err := sess.open(s)
	if err != nil {
		return vault.StatusLocked, nil, err
	}
	if !utf8.Valid(secret) {
		crypto.SecureWipe(secret)
		return vault.StatusOK, nil, fmt.Errorf("%w: content type %q", vault.ErrSecretDecode, s.ContentType)
	}
	return vault.StatusOK, secret, nil
}

// Lock implements vault.TermProvider.
func (c *Client) Lock(ctx context.Context) error {
	collections, err := c.bus.Collections(ctx)
	if err != nil {
		return classify(err)
	}
	if len(collections) == 0 {
		return nil
	}
	if err := c.bus.Lock(ctx, collections); err != nil {
		return classify(err)
	}
	return nil
}

// session is an open transfer session.
type session struct {
	path dbus.ObjectPath
	dh   *crypto.DHSession
}

// open extracts the plaintext of s.
func (s *session) open(secret Secret) ([]byte, error) {
	if s.dh == nil {
		return secret.Value, nil
	}
	plain, err := s.dh.Decrypt(secret.Parameters, secret.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrSecretDecode, err)
	}
	return plain, nil
}

func (c *Client) openSession(ctx context.Context) (*session, error) {
	if c.algorithm == crypto.AlgorithmDH {
		sess, err := c.openDH(ctx)
		if err == nil || !isDBusError(err, errNotSupported) {
			return sess, err
		}
		c.log.Info("provider does not support encrypted sessions, using plain")
	}

	_, path, err := c.bus.OpenSession(ctx, crypto.AlgorithmPlain, dbus.MakeVariant(""))
	if err != nil {
		return nil, classify(err)
	}
	return &session{path: path}, nil
}

func (c *Client) openDH(ctx context.Context) (*session, error) {
	dh, err := crypto.NewDHSession()
	if err != nil {
		return nil, err
	}
	out, path, err := c.bus.OpenSession(ctx, crypto.AlgorithmDH, dbus.MakeVariant(dh.PublicKey()))
	if err != nil {
		dh.Close()
		if isDBusError(err, errNotSupported) {
			return nil, err
		}
		return nil, classify(err)
	}

	var peer []byte
	if err := out.Store(&peer); err != nil {
		dh.Close()
		return nil, fmt.Errorf("%w: session output %s", vault.ErrMalformedResponse, out.Signature())
	}
	if err := dh.Derive(peer); err != nil {
		dh.Close()
		return nil, fmt.Errorf("%w: %v", vault.ErrMalformedResponse, err)
	}
	return &session{path: path, dh: dh}, nil
}

func (c *Client) closeSession(s *session) {
	if s.dh != nil {
		s.dh.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.bus.CloseSession(ctx, s.path); err != nil {
		c.log.Debug("failed to close session", zap.Error(err))
	}
}

// collectionOf returns the collection path of an item path.
func collectionOf(item dbus.ObjectPath) dbus.ObjectPath {
	return dbus.ObjectPath(path.Dir(string(item)))
}

// classify maps D-Bus errors onto the vault error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isDBusError(err, errServiceUnknown, errNameHasNoOwner, errServiceNotFound):
		return fmt.Errorf("%w: %v", vault.ErrBackendUnavailable, err)
	case isDBusError(err, errNoSuchObject, errUnknownObject, errUnknownMethod):
		return fmt.Errorf("%w: %v", vault.ErrMalformedResponse, err)
	case errors.Is(err, dbus.ErrClosed):
		return fmt.Errorf("%w: %v", vault.ErrBackendUnavailable, err)
	}
	return err
}

func isDBusError(err error, names ...string) bool {
	var de dbus.Error
	if !errors.As(err, &de) {
		return false
	}
	return slices.Contains(names, de.Name)
}
