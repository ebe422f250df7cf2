package handlers

// SessionCount reports how many chats are registered.
func (m Main) SessionCount() int {
	return m.sessions.Len()
}
