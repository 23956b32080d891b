package server

import (
	"strconv"
	"strings"
)

// clientSetNameOrReply validates and applies a connection name. Names
// must be printable ASCII with no spaces so CLIENT LIST stays parseable
// by splitting on spaces. An empty name unsets the current one.
func (s *Server) clientSetNameOrReply(c *client, name []byte) bool {
	if len(name) == 0 {
		c.name = ""
		s.addReplyProto(c, []byte("+OK\r\n"))
		return true
	}
	for _, ch := range name {
		if ch < '!' || ch > '~' {
			s.addReplyError(c, "Client names cannot contain spaces, newlines or special characters.")
			return false
		}
	}
	c.name = string(name)
	return true
}

var clientHelp = []string{
	"id                     -- Return the ID of the current connection.",
	"getname                -- Return the name of the current connection.",
	"kill <ip:port>         -- Kill connection made from <ip:port>.",
	"kill <option> <value> [option value ...] -- Kill connections. Options are:",
	"     addr <ip:port>                      -- Kill connection made from <ip:port>",
	"     type (normal|master|replica|pubsub) -- Kill connections by type.",
	"     skipme (yes|no)   -- Skip killing current connection (default: yes).",
	"list [options ...]     -- Return information about client connections. Options:",
	"     type (normal|master|replica|pubsub) -- Return clients of specified type.",
	"pause <timeout>        -- Suspend all Finch clients for <timeout> milliseconds.",
	"reply (on|off|skip)    -- Control the replies sent to the current connection.",
	"setname <name>         -- Assign the name <name> to the current connection.",
	"unblock <clientid> [TIMEOUT|ERROR] -- Unblock the specified blocked client.",
	"tracking (on|off) [REDIRECT <id>] -- Enable client keys tracking for client side caching.",
}

func clientCommand(s *Server, c *client) {
	sub := strings.ToLower(string(c.argv[1]))

	switch {
	case sub == "help" && len(c.argv) == 2:
		s.addReplyHelp(c, clientHelp)

	case sub == "id" && len(c.argv) == 2:
		s.addReplyLongLong(c, int64(c.id))

	case sub == "list":
		clientListCommand(s, c)

	case sub == "reply" && len(c.argv) == 3:
		switch strings.ToLower(string(c.argv[2])) {
		case "on":
			c.flags.replySkip = false
			c.flags.replyOff = false
			s.addReplyProto(c, []byte("+OK\r\n"))
		case "off":
			c.flags.replyOff = true
		case "skip":
			if !c.flags.replyOff {
				c.flags.replySkipNext = true
			}
		default:
			s.addReplyError(c, "syntax error")
		}

	case sub == "kill":
		clientKillCommand(s, c)

	case sub == "unblock" && (len(c.argv) == 3 || len(c.argv) == 4):
		clientUnblockCommand(s, c)

	case sub == "setname" && len(c.argv) == 3:
		if s.clientSetNameOrReply(c, c.argv[2]) && len(c.argv[2]) != 0 {
			s.addReplyProto(c, []byte("+OK\r\n"))
		}

	case sub == "getname" && len(c.argv) == 2:
		if c.name != "" {
			s.addReplyBulkString(c, c.name)
		} else {
			s.addReplyNull(c)
		}

	case sub == "pause" && len(c.argv) == 3:
		ms, err := strconv.ParseInt(string(c.argv[2]), 10, 64)
		if err != nil || ms < 0 {
			s.addReplyError(c, "timeout is not an integer or out of range")
			return
		}
		s.pauseClients(s.mstime.Load() + ms)
		s.addReplyProto(c, []byte("+OK\r\n"))

	case sub == "tracking" && (len(c.argv) == 3 || len(c.argv) == 5):
		clientTrackingCommand(s, c)

	default:
		s.addReplyErrorFormat(c,
			"Unknown subcommand or wrong number of arguments for '%s'. Try CLIENT HELP",
			string(c.argv[1]))
	}
}

func clientListCommand(s *Server, c *client) {
	filterType := -1
	if len(c.argv) == 4 && strings.EqualFold(string(c.argv[2]), "type") {
		filterType = clientTypeByName(strings.ToLower(string(c.argv[3])))
		if filterType == -1 {
			s.addReplyErrorFormat(c, "Unknown client type '%s'", string(c.argv[3]))
			return
		}
	} else if len(c.argv) != 2 {
		s.addReplyError(c, "syntax error")
		return
	}

	var b strings.Builder
	for e := s.clients.Front(); e != nil; e = e.Next() {
		cl := e.Value.(*client)
		if cl != c {
			cl.lock.Lock()
		}
		if filterType == -1 || clientType(cl) == filterType {
			b.WriteString(s.catClientInfo(cl))
			b.WriteByte('\n')
		}
		if cl != c {
			cl.lock.Unlock()
		}
	}
	s.addReplyBulkString(c, b.String())
}

func clientKillCommand(s *Server, c *client) {
	var (
		addr   string
		ftype  = -1
		id     uint64
		skipme = true
	)

	if len(c.argv) == 3 {
		// Old style syntax: CLIENT KILL <addr>. You can kill yourself.
		addr = string(c.argv[2])
		skipme = false
	} else if len(c.argv) > 3 {
		i := 2
		for i < len(c.argv) {
			moreargs := len(c.argv) > i+1
			opt := strings.ToLower(string(c.argv[i]))
			switch {
			case opt == "id" && moreargs:
				v, err := strconv.ParseUint(string(c.argv[i+1]), 10, 64)
				if err != nil {
					s.addReplyError(c, "value is not an integer or out of range")
					return
				}
				id = v
			case opt == "type" && moreargs:
				ftype = clientTypeByName(strings.ToLower(string(c.argv[i+1])))
				if ftype == -1 {
					s.addReplyErrorFormat(c, "Unknown client type '%s'", string(c.argv[i+1]))
					return
				}
			case opt == "addr" && moreargs:
				addr = string(c.argv[i+1])
			case opt == "skipme" && moreargs:
				switch strings.ToLower(string(c.argv[i+1])) {
				case "yes":
					skipme = true
				case "no":
					skipme = false
				default:
					s.addReplyError(c, "syntax error")
					return
				}
			default:
				s.addReplyError(c, "syntax error")
				return
			}
			i += 2
		}
	} else {
		s.addReplyError(c, "syntax error")
		return
	}

	killed := 0
	closeThisClient := false

	var victims []*client
	for e := s.clients.Front(); e != nil; e = e.Next() {
		cl := e.Value.(*client)
		if addr != "" && s.clientPeerID(cl) != addr {
			continue
		}
		if ftype != -1 && clientType(cl) != ftype {
			continue
		}
		if id != 0 && cl.id != id {
			continue
		}
		if cl == c && skipme {
			continue
		}
		victims = append(victims, cl)
	}

	for _, cl := range victims {
		if cl == c {
			// Close ourselves only after the reply reached our buffers.
			closeThisClient = true
		} else if s.onOwnerThread(cl) {
			s.freeClient(cl)
		} else {
			s.freeClientAsync(cl)
		}
		killed++
	}

	if len(c.argv) == 3 {
		if killed == 0 {
			s.addReplyError(c, "No such client")
		} else {
			s.addReplyProto(c, []byte("+OK\r\n"))
		}
	} else {
		s.addReplyLongLong(c, int64(killed))
	}

	if closeThisClient {
		c.flags.closeAfterReply = true
	}
}

func clientUnblockCommand(s *Server, c *client) {
	unblockError := false
	if len(c.argv) == 4 {
		switch strings.ToLower(string(c.argv[3])) {
		case "timeout":
		case "error":
			unblockError = true
		default:
			s.addReplyError(c, "CLIENT UNBLOCK reason should be TIMEOUT or ERROR")
			return
		}
	}

	id, err := strconv.ParseUint(string(c.argv[2]), 10, 64)
	if err != nil {
		s.addReplyError(c, "value is not an integer or out of range")
		return
	}

	target := s.lookupClientByID(id)
	if target != nil && target.flags.blocked {
		target.lock.Lock()
		if unblockError {
			s.addReplyErrorCore(target, "-UNBLOCKED client unblocked via CLIENT UNBLOCK",
				!s.onOwnerThread(target))
		} else {
			s.replyToBlockedClientTimedOut(target)
		}
		s.unblockClient(target)
		target.lock.Unlock()
		s.addReplyProto(c, []byte(":1\r\n"))
	} else {
		s.addReplyProto(c, []byte(":0\r\n"))
	}
}

func clientTrackingCommand(s *Server, c *client) {
	var redirect uint64

	// The redirection target must exist right now, even though it may
	// well disconnect later.
	if len(c.argv) == 5 {
		if !strings.EqualFold(string(c.argv[3]), "redirect") {
			s.addReplyError(c, "syntax error")
			return
		}
		v, err := strconv.ParseUint(string(c.argv[4]), 10, 64)
		if err != nil {
			s.addReplyError(c, "value is not an integer or out of range")
			return
		}
		if s.lookupClientByID(v) == nil {
			s.addReplyError(c, "The client ID you want redirect to does not exist")
			return
		}
		redirect = v
	}

	switch strings.ToLower(string(c.argv[2])) {
	case "on":
		s.enableTracking(c, redirect)
	case "off":
		s.disableTracking(c)
	default:
		s.addReplyError(c, "syntax error")
		return
	}
	s.addReplyProto(c, []byte("+OK\r\n"))
}

// helloCommand negotiates the protocol version and replies with the
// fixed-shape handshake map.
//
// HELLO <protocol-version> [AUTH <user> <password>] [SETNAME <name>]
func helloCommand(s *Server, c *client) {
	ver, err := strconv.Atoi(string(c.argv[1]))
	if err != nil || ver < 2 || ver > 3 {
		s.addReplyError(c, "-NOPROTO unsupported protocol version")
		return
	}

	for j := 2; j < len(c.argv); j++ {
		moreargs := len(c.argv) - 1 - j
		opt := strings.ToLower(string(c.argv[j]))
		switch {
		case opt == "auth" && moreargs >= 2:
			if string(c.argv[j+1]) != "default" ||
				s.cfg.RequirePass == "" || string(c.argv[j+2]) != s.cfg.RequirePass {
				s.addReplyError(c, "-WRONGPASS invalid username-password pair")
				return
			}
			c.flags.authenticated = true
			j += 2
		case opt == "setname" && moreargs >= 1:
			if !s.clientSetNameOrReply(c, c.argv[j+1]) {
				return
			}
			j++
		default:
			s.addReplyErrorFormat(c, "Syntax error in HELLO option '%s'", opt)
			return
		}
	}

	// From here on authentication is mandatory.
	if !c.flags.authenticated {
		s.addReplyError(c, "-NOAUTH HELLO must be called with the client already "+
			"authenticated, otherwise the HELLO AUTH <user> <pass> option can be "+
			"used to authenticate the client and select the RESP protocol version "+
			"at the same time")
		return
	}

	// Switch to the requested RESP dialect before building the reply.
	c.resp = ver

	s.addReplyMapLen(c, 7)

	s.addReplyBulkString(c, "server")
	s.addReplyBulkString(c, "finch")

	s.addReplyBulkString(c, "version")
	s.addReplyBulkString(c, s.version)

	s.addReplyBulkString(c, "proto")
	s.addReplyLongLong(c, int64(c.resp))

	s.addReplyBulkString(c, "id")
	s.addReplyLongLong(c, int64(c.id))

	s.addReplyBulkString(c, "mode")
	s.addReplyBulkString(c, "standalone")

	s.addReplyBulkString(c, "role")
	s.addReplyBulkString(c, "master")

	s.addReplyBulkString(c, "modules")
	s.addReplyArrayLen(c, 0)
}
