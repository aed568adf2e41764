package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/lobby/internal/directory"
)

// lobbyView is the serialized form of a directory handle.
type lobbyView struct {
	ID         string            `json:"id" yaml:"id"`
	Code       string            `json:"code" yaml:"code"`
	Owner      string            `json:"owner" yaml:"owner"`
	Members    []memberView      `json:"members" yaml:"members"`
	MaxMembers int               `json:"max_members" yaml:"max_members"`
	Epoch      uint64            `json:"epoch" yaml:"epoch"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type memberView struct {
	ID      string `json:"id" yaml:"id"`
	Index   int    `json:"index" yaml:"index"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

func viewOf(h directory.Handle) lobbyView {
	v := lobbyView{
		ID:         h.ID,
		Code:       h.Code,
		Owner:      string(h.OwnerID),
		MaxMembers: h.MaxMembers,
		Epoch:      h.Epoch,
	}
	for _, m := range h.Roster {
		v.Members = append(v.Members, memberView{ID: string(m.ID), Index: m.Index, Address: m.Address})
	}
	if len(h.Attrs) > 0 {
		v.Attributes = make(map[string]string, len(h.Attrs))
		for _, a := range h.Attrs {
			v.Attributes[a.Key] = a.Value
		}
	}
	return v
}

type renderer func(w io.Writer, views []lobbyView, single bool) error

func rendererFor(format string) (renderer, error) {
	switch format {
	case "table":
		return renderTable, nil
	case "json":
		return renderJSON, nil
	case "yaml":
		return renderYAML, nil
	default:
		return nil, fmt.Errorf("unknown output format %q: must be table, json or yaml", format)
	}
}

func render(w io.Writer, format string, lobbies []directory.Handle) error {
	r, err := rendererFor(format)
	if err != nil {
		return err
	}
	views := make([]lobbyView, 0, len(lobbies))
	for _, h := range lobbies {
		views = append(views, viewOf(h))
	}
	return r(w, views, false)
}

func renderOne(w io.Writer, format string, h directory.Handle) error {
	r, err := rendererFor(format)
	if err != nil {
		return err
	}
	return r(w, []lobbyView{viewOf(h)}, true)
}

func renderJSON(w io.Writer, views []lobbyView, single bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if single {
		return enc.Encode(views[0])
	}
	return enc.Encode(views)
}

func renderYAML(w io.Writer, views []lobbyView, single bool) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	if single {
		return enc.Encode(views[0])
	}
	return enc.Encode(views)
}

func renderTable(w io.Writer, views []lobbyView, single bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tOWNER\tMEMBERS\tEPOCH")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\n", v.ID, v.Code, v.Owner, len(v.Members), v.MaxMembers, v.Epoch)
	}
	if single && len(views) == 1 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "INDEX\tPEER\tADDRESS")
		for _, m := range views[0].Members {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Index, m.ID, m.Address)
		}
		if len(views[0].Attributes) > 0 {
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "KEY\tVALUE")
			for _, k := range slices.Sorted(maps.Keys(views[0].Attributes)) {
				fmt.Fprintf(tw, "%s\t%s\n", k, views[0].Attributes[k])
			}
		}
	}
	return tw.Flush()
}
