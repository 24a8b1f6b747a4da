package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/schedule"
	"github.com/sipeed/picocrm/pkg/utils"
)

const cronFields = 5

func commandTable() map[string]command {
	return map[string]command{
		"help":       {usage: "help", help: "list commands", public: true, run: cmdHelp},
		"login":      {usage: "login <email> [password]", help: "start a session", public: true, run: cmdLogin},
		"register":   {usage: "register <email> <password> [display name]", help: "create an account", public: true, run: cmdRegister},
		"logout":     {usage: "logout", help: "end the session", run: cmdLogout},
		"whoami":     {usage: "whoami", help: "show the signed in operator", run: cmdWhoami},
		"channels":   {usage: "channels", help: "list channels", run: cmdChannels},
		"refresh":    {usage: "refresh [channel]", help: "re-fetch conversations", run: cmdRefresh},
		"list":       {usage: "list [open|pending|resolved|all] [search]", help: "list conversations", run: cmdList},
		"counts":     {usage: "counts", help: "conversations per status", run: cmdCounts},
		"new":        {usage: "new <channel> <phone> [name]", help: "start a conversation", run: cmdNew},
		"select":     {usage: "select <id>", help: "open a conversation", run: cmdSelect},
		"close":      {usage: "close", help: "close the open conversation", run: cmdClose},
		"show":       {usage: "show", help: "show the open conversation", run: cmdShow},
		"send":       {usage: "send <text>", help: "reply in the open conversation", run: cmdSend},
		"media":      {usage: "media [image|audio] <url> [caption]", help: "send an image or audio link", run: cmdMedia},
		"status":     {usage: "status <open|pending|resolved>", help: "move the open conversation", run: cmdStatus},
		"name":       {usage: "name <display name>", help: "rename the contact", run: cmdName},
		"info":       {usage: "info key=value ... (phone, email, address, notes)", help: "edit contact info", run: cmdInfo},
		"stage":      {usage: "stage <kanban stage>", help: "set the kanban stage", run: cmdStage},
		"schedule":   {usage: "schedule <YYYY-MM-DD> <HH:MM> <text>", help: "queue a message", run: cmdSchedule},
		"recur":      {usage: "recur <m> <h> <dom> <mon> <dow> <text>", help: "queue a recurring message", run: cmdRecur},
		"scheduled":  {usage: "scheduled", help: "list queued messages", run: cmdScheduled},
		"unschedule": {usage: "unschedule <id>", help: "remove a queued message", run: cmdUnschedule},
		"due":        {usage: "due", help: "queued messages whose time has come", run: cmdDue},
	}
}

func cmdHelp(ctx context.Context, c *Console, args []string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := c.commands[name]
		c.printf("  %-48s %s\n", cmd.usage, cmd.help)
	}
	c.printf("  %-48s %s\n", "quit", "leave the console")
	return nil
}

func cmdLogin(ctx context.Context, c *Console, args []string) error {
	if len(args) == 0 {
		return usageError(c.commands["login"].usage)
	}
	password := strings.Join(args[1:], " ")
	if password == "" {
		if c.readPassword == nil {
			return usageError(c.commands["login"].usage)
		}
		p, err := c.readPassword("password: ")
		if err != nil {
			return err
		}
		password = p
	}
	s, err := c.auth.Login(ctx, args[0], password)
	if err != nil {
		return err
	}
	c.session = &s
	c.printf("welcome, %s\n", displayUser(s.User.DisplayName, s.User.Email))
	return nil
}

func cmdRegister(ctx context.Context, c *Console, args []string) error {
	if len(args) < 2 {
		return usageError(c.commands["register"].usage)
	}
	s, err := c.auth.Register(ctx, args[0], args[1], strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	c.session = &s
	c.printf("account created, welcome, %s\n", displayUser(s.User.DisplayName, s.User.Email))
	return nil
}

func displayUser(name, email string) string {
	if name != "" {
		return name
	}
	return email
}

func cmdLogout(ctx context.Context, c *Console, args []string) error {
	token := c.session.Token
	c.session = nil
	if err := c.auth.Logout(ctx, token); err != nil {
		return err
	}
	c.printf("signed out\n")
	return nil
}

func cmdWhoami(ctx context.Context, c *Console, args []string) error {
	u := c.session.User
	c.printf("%s <%s>\n", displayUser(u.DisplayName, u.Email), u.Email)
	return nil
}

func cmdChannels(ctx context.Context, c *Console, args []string) error {
	for _, name := range c.inbox.ChannelNames() {
		ch, ok := c.inbox.Channel(name)
		if !ok {
			continue
		}
		kind := "simulated"
		if ch.Live() {
			kind = "live"
		}
		c.printf("  %-10s %s\n", name, kind)
	}
	return nil
}

func cmdRefresh(ctx context.Context, c *Console, args []string) error {
	if len(args) > 0 {
		n, err := c.inbox.Refresh(ctx, args[0])
		if err != nil {
			return err
		}
		c.printf("%s: %d conversations\n", args[0], n)
		return nil
	}
	c.inbox.RefreshAll(ctx)
	c.printf("%d conversations\n", c.inbox.Store().Len())
	return nil
}

// cmdList treats a leading status word as the filter and the rest as search
// text. Without one it shows open conversations.
func cmdList(ctx context.Context, c *Console, args []string) error {
	status := inbox.StatusOpen
	if len(args) > 0 {
		if strings.EqualFold(args[0], "all") {
			status = ""
			args = args[1:]
		} else if st, err := inbox.ParseStatus(args[0]); err == nil {
			status = st
			args = args[1:]
		}
	}
	convs := c.inbox.Conversations(strings.Join(args, " "), status)
	if len(convs) == 0 {
		c.printf("no conversations\n")
		return nil
	}
	selected := c.inbox.Store().SelectedID()
	for _, conv := range convs {
		mark := " "
		if conv.ID == selected {
			mark = ">"
		}
		c.printf("%s %-16s %-10s %-9s %-20s %-12s %s\n",
			mark,
			utils.Truncate(conv.ID, 16),
			conv.Channel,
			conv.Status,
			utils.Truncate(conv.DisplayName, 20),
			conv.LastActivityLabel,
			utils.Truncate(conv.LastMessagePreview, 40),
		)
	}
	return nil
}

func cmdCounts(ctx context.Context, c *Console, args []string) error {
	counts := c.inbox.Counts()
	for _, st := range inbox.Statuses {
		c.printf("  %-9s %d\n", st, counts[st])
	}
	return nil
}

func cmdNew(ctx context.Context, c *Console, args []string) error {
	if len(args) < 2 {
		return usageError(c.commands["new"].usage)
	}
	conv, err := c.inbox.StartConversation(args[0], strings.Join(args[2:], " "), args[1])
	if err != nil {
		return err
	}
	c.printf("created %s (%s)\n", conv.ID, conv.DisplayName)
	return nil
}

func cmdSelect(ctx context.Context, c *Console, args []string) error {
	if len(args) != 1 {
		return usageError(c.commands["select"].usage)
	}
	if _, ok := c.inbox.Select(ctx, args[0]); !ok {
		return fmt.Errorf("%w: %s", inbox.ErrUnknownConversation, args[0])
	}
	return cmdShow(ctx, c, nil)
}

func cmdClose(ctx context.Context, c *Console, args []string) error {
	if _, err := c.selected(); err != nil {
		return err
	}
	c.inbox.Deselect()
	return nil
}

func cmdShow(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	c.printf("%s  [%s] %s", conv.DisplayName, conv.Channel, conv.Status)
	if conv.KanbanStage != "" {
		c.printf("  stage: %s", conv.KanbanStage)
	}
	c.printf("\n")
	info := conv.ContactInfo
	for _, f := range []struct{ k, v string }{
		{"phone", info.Phone}, {"email", info.Email}, {"address", info.Address}, {"notes", info.Notes},
	} {
		if f.v != "" {
			c.printf("  %-8s %s\n", f.k, f.v)
		}
	}

	msgs := c.inbox.Messages(conv.ID)
	if len(msgs) == 0 {
		c.printf("  (no messages)\n")
	}
	for _, m := range msgs {
		who := "them"
		if m.Sender == inbox.SenderOperator {
			who = "you "
		}
		text := m.Text
		if m.ContentType != inbox.ContentText {
			text = strings.TrimSpace(fmt.Sprintf("[%s] %s %s", m.ContentType, m.MediaURL, m.Text))
		}
		c.printf("  %s %s  %s\n", m.SentAtLabel, who, text)
	}
	if draft := c.inbox.Draft(conv.ID); draft.Text != "" {
		c.printf("  draft: %s\n", draft.Text)
	}
	return nil
}

func cmdSend(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		return usageError(c.commands["send"].usage)
	}
	c.inbox.SetDraft(conv.ID, text)
	msg, err := c.inbox.SendDraft(ctx, conv.ID)
	if err != nil {
		return err
	}
	c.printf("  %s you   %s\n", msg.SentAtLabel, msg.Text)
	return nil
}

func cmdMedia(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return usageError(c.commands["media"].usage)
	}
	kind := inbox.ContentType(strings.ToLower(args[0]))
	if kind == inbox.ContentImage || kind == inbox.ContentAudio {
		args = args[1:]
		if len(args) == 0 {
			return usageError(c.commands["media"].usage)
		}
	} else {
		kind = inbox.MediaTypeForURL(args[0])
	}
	msg, err := c.inbox.SendMedia(ctx, conv.ID, kind, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	c.printf("  %s you   [%s] %s\n", msg.SentAtLabel, msg.ContentType, msg.MediaURL)
	return nil
}

func cmdStatus(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return usageError(c.commands["status"].usage)
	}
	st, err := inbox.ParseStatus(args[0])
	if err != nil {
		return err
	}
	if err := c.inbox.SetStatus(conv.ID, st); err != nil {
		return err
	}
	c.printf("%s is now %s\n", conv.DisplayName, st)
	return nil
}

func cmdName(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	ed := c.inbox.Editor()
	if _, err := ed.BeginNameEdit(conv.ID); err != nil {
		return err
	}
	if err := ed.SetNameDraft(conv.ID, strings.Join(args, " ")); err != nil {
		return err
	}
	if err := ed.SaveName(conv.ID); err != nil {
		ed.CancelNameEdit(conv.ID)
		return err
	}
	updated, _ := c.inbox.Get(conv.ID)
	c.printf("renamed to %s\n", updated.DisplayName)
	return nil
}

// cmdInfo edits a draft seeded from the current contact info; "key=" clears
// a field. The draft is then saved as a whole.
func cmdInfo(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return usageError(c.commands["info"].usage)
	}
	ed := c.inbox.Editor()
	draft, err := ed.BeginInfoEdit(conv.ID)
	if err != nil {
		return err
	}

	key := ""
	for _, arg := range args {
		k, v, found := strings.Cut(arg, "=")
		if found {
			key = strings.ToLower(k)
		} else if key != "" {
			// continuation of a value with spaces
			v = arg
		} else {
			ed.CancelInfoEdit(conv.ID)
			return usageError(c.commands["info"].usage)
		}
		var field *string
		switch key {
		case "phone":
			field = &draft.Phone
		case "email":
			field = &draft.Email
		case "address":
			field = &draft.Address
		case "notes":
			field = &draft.Notes
		default:
			ed.CancelInfoEdit(conv.ID)
			return fmt.Errorf("unknown field %q", key)
		}
		if found {
			*field = v
		} else {
			*field = strings.TrimSpace(*field + " " + v)
		}
	}

	if err := ed.SetInfoDraft(conv.ID, draft); err != nil {
		return err
	}
	if err := ed.SaveInfo(conv.ID); err != nil {
		return err
	}
	c.printf("contact info saved\n")
	return nil
}

func cmdStage(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	c.inbox.SetKanbanStage(conv.ID, strings.Join(args, " "))
	c.printf("stage set\n")
	return nil
}

func cmdSchedule(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	d := inbox.ScheduleDraft{}
	if len(args) > 0 {
		d.Date = args[0]
	}
	if len(args) > 1 {
		d.Time = args[1]
	}
	if len(args) > 2 {
		d.Text = strings.Join(args[2:], " ")
	}
	c.inbox.SetScheduleDraft(conv.ID, d)
	m, err := c.inbox.ScheduleDraft(conv.ID)
	if err != nil {
		return err
	}
	c.printf("queued %s for %s\n", m.ID, m.SendAt.Format("2006-01-02 15:04"))
	return nil
}

func cmdRecur(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	if len(args) <= cronFields {
		return usageError(c.commands["recur"].usage)
	}
	expr := strings.Join(args[:cronFields], " ")
	m, err := c.inbox.ScheduleRecurring(conv.ID, strings.Join(args[cronFields:], " "), expr)
	if err != nil {
		return err
	}
	c.printf("queued %s (%s), next %s\n", m.ID, m.Recurrence, m.SendAt.Format("2006-01-02 15:04"))
	return nil
}

func printScheduled(c *Console, msgs []schedule.Message) {
	if len(msgs) == 0 {
		c.printf("nothing queued\n")
		return
	}
	for _, m := range msgs {
		when := m.SendAt.Format("2006-01-02 15:04")
		if m.Recurring() {
			when += " (" + m.Recurrence + ")"
		}
		c.printf("  %s  %s  %s\n", m.ID, when, utils.Truncate(m.Text, 50))
	}
}

func cmdScheduled(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	printScheduled(c, c.inbox.Scheduled(conv.ID))
	return nil
}

func cmdUnschedule(ctx context.Context, c *Console, args []string) error {
	conv, err := c.selected()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return usageError(c.commands["unschedule"].usage)
	}
	if c.inbox.CancelScheduled(conv.ID, args[0]) {
		c.printf("removed %s\n", args[0])
	}
	return nil
}

func cmdDue(ctx context.Context, c *Console, args []string) error {
	printScheduled(c, c.inbox.Due(time.Now()))
	return nil
}
