package store

import "fmt"

// Every key is namespaced by tenant first so cross-tenant reads are
// impossible by construction: all scans are prefix scans under a single
// tenant's namespace.
//
//	t:<tenant>:channel:<channelID>            -> Channel
//	t:<tenant>:msg:<channelID>:<seq %020d>    -> ChatMessage
//	t:<tenant>:head:<channelID>               -> head sequence (uint64 text)
//	t:<tenant>:read:<userID>:<channelID>      -> last-read sequence (uint64 text)
//	t:<tenant>:notif:<userID>:<notifID>       -> Notification

func channelKey(tenant, channelID string) []byte {
	return []byte(fmt.Sprintf("t:%s:channel:%s", tenant, channelID))
}

func channelPrefix(tenant string) []byte {
	return []byte(fmt.Sprintf("t:%s:channel:", tenant))
}

func messageKey(tenant, channelID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("t:%s:msg:%s:%020d", tenant, channelID, seq))
}

func messagePrefix(tenant, channelID string) []byte {
	return []byte(fmt.Sprintf("t:%s:msg:%s:", tenant, channelID))
}

func headKey(tenant, channelID string) []byte {
	return []byte(fmt.Sprintf("t:%s:head:%s", tenant, channelID))
}

func lastReadKey(tenant, userID, channelID string) []byte {
	return []byte(fmt.Sprintf("t:%s:read:%s:%s", tenant, userID, channelID))
}

func notificationKey(tenant, userID, notifID string) []byte {
	return []byte(fmt.Sprintf("t:%s:notif:%s:%s", tenant, userID, notifID))
}

func notificationPrefix(tenant, userID string) []byte {
	return []byte(fmt.Sprintf("t:%s:notif:%s:", tenant, userID))
}
