package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chronicle/collab/internal/collab"
)

type commandKind int

const (
	cmdEdit commandKind = iota
	cmdSave
	cmdTyping
	cmdStopTyping
	cmdCursor
	cmdSelect
	cmdWho
	cmdStatus
	cmdHelp
	cmdQuit
)

type command struct {
	kind      commandKind
	text      string
	cursor    collab.Cursor
	selection collab.Selection
}

const helpText = `commands:
  <text>             replace the document content
  /save              save the current content now
  /typing, /stop     start or stop the typing indicator
  /cursor X Y        move the cursor
  /select START END  set the selection
  /who               list collaborators
  /status            show the save status
  /quit              leave the document`

func parseCommand(line string) (command, error) {
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdEdit, text: line}, nil
	}
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/save":
		return command{kind: cmdSave}, nil
	case "/typing":
		return command{kind: cmdTyping}, nil
	case "/stop":
		return command{kind: cmdStopTyping}, nil
	case "/who":
		return command{kind: cmdWho}, nil
	case "/status":
		return command{kind: cmdStatus}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	case "/quit":
		return command{kind: cmdQuit}, nil
	case "/cursor":
		if len(args) != 2 {
			return command{}, fmt.Errorf("usage: /cursor X Y")
		}
		x, errX := strconv.ParseFloat(args[0], 64)
		y, errY := strconv.ParseFloat(args[1], 64)
		if errX != nil || errY != nil {
			return command{}, fmt.Errorf("cursor coordinates must be numbers")
		}
		return command{kind: cmdCursor, cursor: collab.Cursor{X: x, Y: y}}, nil
	case "/select":
		if len(args) != 2 {
			return command{}, fmt.Errorf("usage: /select START END")
		}
		start, errS := strconv.Atoi(args[0])
		end, errE := strconv.Atoi(args[1])
		if errS != nil || errE != nil {
			return command{}, fmt.Errorf("selection offsets must be integers")
		}
		return command{kind: cmdSelect, selection: collab.Selection{Start: start, End: end}}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s (try /help)", name)
	}
}

// apply runs the command against the coordinator. It reports whether the
// session should end.
func (c command) apply(ctx context.Context, coord *collab.Coordinator, documentID, current string) (bool, error) {
	switch c.kind {
	case cmdEdit:
		return false, coord.NotifyContentChanged(documentID, c.text)
	case cmdSave:
		status, err := coord.TriggerImmediateSave(ctx, documentID, current)
		if err != nil {
			return false, err
		}
		fmt.Printf("* save: %s\n", describeStatus(status))
	case cmdTyping:
		return false, coord.NotifyTyping(documentID)
	case cmdStopTyping:
		return false, coord.NotifyStopTyping(documentID)
	case cmdCursor:
		return false, coord.NotifyCursor(documentID, c.cursor)
	case cmdSelect:
		return false, coord.NotifySelection(documentID, c.selection)
	case cmdWho:
		list, err := coord.Presence(documentID)
		if err != nil {
			return false, err
		}
		fmt.Printf("* present: %s\n", describePresence(list))
	case cmdStatus:
		status, err := coord.SaveStatus(documentID)
		if err != nil {
			return false, err
		}
		fmt.Printf("* save: %s\n", describeStatus(status))
	case cmdHelp:
		fmt.Println(helpText)
	case cmdQuit:
		return true, nil
	}
	return false, nil
}

func describePresence(list []collab.Collaborator) string {
	if len(list) == 0 {
		return "nobody"
	}
	parts := make([]string, 0, len(list))
	for _, m := range list {
		part := fmt.Sprintf("%s (%s)", m.DisplayName, m.Role)
		if m.IsTyping {
			part += " typing"
		}
		if m.Cursor != nil {
			part += fmt.Sprintf(" @%g,%g", m.Cursor.X, m.Cursor.Y)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func describeStatus(s collab.SaveStatus) string {
	out := s.Phase.String()
	if !s.LastSavedAt.IsZero() {
		out += ", last saved " + s.LastSavedAt.Local().Format(time.Kitchen)
	}
	if s.Err != nil {
		out += ": " + s.Err.Error()
	}
	return out
}
