package bitwarden

import (
	"encoding/json"
	"fmt"

	"github.com/forest6511/passrunner/pkg/vault"
)

// response is the envelope bw prints with --response.
type response[T any] struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    *list[T] `json:"data"`
}

type list[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

// item is a Bitwarden vault item as listed by "bw list items".
type item struct {
	ID             string   `json:"id"`
	Type           int      `json:"type"`
	Name           string   `json:"name"`
	FolderID       *string  `json:"folderId"`
	OrganizationID *string  `json:"organizationId"`
	CollectionIDs  []string `json:"collectionIds"`
	Login          *login   `json:"login"`
}

// login is the login part of an item. Absent fields stay nil.
type login struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
	URIs     []uri   `json:"uris"`
}

type uri struct {
	URI string `json:"uri"`
}

// named is a folder, organization or collection.
type named struct {
	ID   *string `json:"id"`
	Name string  `json:"name"`
}

func decode[T any](data []byte) ([]T, error) {
	var resp response[T]
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrMalformedResponse, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", vault.ErrSessionInvalid, resp.Message)
	}
	if resp.Data == nil || resp.Data.Data == nil {
		return nil, fmt.Errorf("%w: missing data list", vault.ErrMalformedResponse)
	}
	return resp.Data.Data, nil
}

// parseItems converts "bw list items" output into entries. Items without a
// login, or with neither username nor password, are skipped.
func parseItems(data []byte) (entries []*vault.Entry, skipped int, err error) {
	items, err := decode[item](data)
	if err != nil {
		return nil, 0, err
	}

	entries = make([]*vault.Entry, 0, len(items))
	for _, it := range items {
		if it.ID == "" || it.Login == nil {
			skipped++
			continue
		}
		e := &vault.Entry{
			ID:       it.ID,
			Name:     vault.Normalize(it.Name),
			Username: deref(it.Login.Username),
			Password: deref(it.Login.Password),
		}
		if !e.Usable() {
			skipped++
			continue
		}
		e.AddAttribute(it.Name)
		for _, u := range it.Login.URIs {
			e.AddAttribute(u.URI)
		}
		if it.FolderID != nil {
			e.GroupIDs = append(e.GroupIDs, *it.FolderID)
		}
		if it.OrganizationID != nil {
			e.GroupIDs = append(e.GroupIDs, *it.OrganizationID)
		}
		e.GroupIDs = append(e.GroupIDs, it.CollectionIDs...)
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

// parseNames adds every named object with an id to names.
func parseNames(data []byte, names map[string]string) error {
	objs, err := decode[named](data)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if o.ID != nil && o.Name != "" {
			names[*o.ID] = vault.Normalize(o.Name)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
