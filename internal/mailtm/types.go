package mailtm

import "time"

// Account is a freshly provisioned disposable mailbox.
type Account struct {
	ID       string
	Address  string
	Password string
	Token    string
}

// MessageSummary is one entry of the upstream message list.
type MessageSummary struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Intro     string    `json:"intro"`
	From      FromField `json:"from"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageDetail carries the full bodies plus any verification links the
// upstream already extracted for us.
type MessageDetail struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Intro         string    `json:"intro"`
	From          FromField `json:"from"`
	Text          string    `json:"text"`
	HTML          []string  `json:"html"`
	Verifications []string  `json:"verifications"`
}

type FromField struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// hydra envelopes (the upstream API is JSON-LD)

type domainsResponse struct {
	Members []domainEntry `json:"hydra:member"`
}

type domainEntry struct {
	Domain   string `json:"domain"`
	IsActive bool   `json:"isActive"`
}

type messagesResponse struct {
	Members []MessageSummary `json:"hydra:member"`
}

type accountResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type tokenResponse struct {
	Token string `json:"token"`
}
