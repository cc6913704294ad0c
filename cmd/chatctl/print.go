package main

import (
	"fmt"
	"time"
)

type printer struct {
	json bool
}

func (p *printer) kv(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, k := range sortedKeys(resp) {
		fmt.Printf("%-18s %v\n", k+":", resp[k])
	}
}

func (p *printer) status(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session:   %v\n", resp["session"])
	fmt.Printf("Uptime:    %s\n", (time.Duration(num(resp["uptime_ms"])) * time.Millisecond).Round(time.Second))
	if name, ok := resp["user_name"]; ok {
		fmt.Printf("User:      %v (%v #%v)\n", name, resp["sender"], resp["user_id"])
	} else {
		fmt.Println("User:      no token")
	}
	if resp["channel"] == "" {
		fmt.Println("Channel:   none")
	} else {
		fmt.Printf("Channel:   %v\n", resp["channel"])
		fmt.Printf("Transport: %v", resp["transport_state"])
		if reason, _ := resp["transport_reason"].(string); reason != "" {
			fmt.Printf(" (%s)", reason)
		}
		fmt.Println()
		fmt.Printf("Messages:  %v (%v pending)\n", resp["messages"], resp["pending"])
		if sockets, _ := resp["sockets"].([]any); len(sockets) > 0 {
			for _, s := range sockets {
				m, _ := s.(map[string]any)
				fmt.Printf("Socket:    %v %v\n", m["sub"], m["status"])
			}
		}
	}
	if n, ok := resp["journal_messages"]; ok {
		fmt.Printf("Journal:   %v messages in %v channels\n", n, resp["journal_channels"])
	}
}

func (p *printer) channels(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["channels"].([]any)
	if len(list) == 0 {
		fmt.Println("No channels found.")
		return
	}
	for _, item := range list {
		c, _ := item.(map[string]any)
		fmt.Printf("%-14v %-10v %s  %v\n", c["channel"], c["transport_state"], stamp(c["last_message_at"]), c["preview"])
	}
}

func (p *printer) messages(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["messages"].([]any)
	if len(list) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, item := range list {
		m, _ := item.(map[string]any)
		printMessage(m)
	}
}

func (p *printer) message(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	m, _ := resp["message"].(map[string]any)
	printMessage(m)
}

func (p *printer) search(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	list, _ := resp["results"].([]any)
	if len(list) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, item := range list {
		r, _ := item.(map[string]any)
		m, _ := r["message"].(map[string]any)
		fmt.Printf("%-14v #%-8.0f %s\n", m["channel"], num(m["id"]), r["snippet"])
	}
}

func printMessage(m map[string]any) {
	mark := " "
	if m["pending"] == true {
		mark = "*"
	}
	who := m["sender_name"]
	if who == nil || who == "" {
		who = m["sender"]
	}
	body := fmt.Sprint(m["content"])
	if att, ok := m["attachment"].(map[string]any); ok {
		switch {
		case att["sticker_id"] != nil:
			body = fmt.Sprintf("[sticker %v] %s", att["sticker_id"], body)
		case att["file_name"] != nil:
			body = fmt.Sprintf("[%v %v] %s", att["kind"], att["file_name"], body)
		default:
			body = fmt.Sprintf("[%v] %s", att["kind"], body)
		}
	}
	fmt.Printf("%s %s #%-8.0f %-16v %s\n", mark, stamp(m["created_at"]), num(m["id"]), who, body)
}

func stamp(v any) string {
	ms := num(v)
	if ms == 0 {
		return "--:--"
	}
	return time.UnixMilli(int64(ms)).Format("Jan 02 15:04")
}
