package models

import "time"

// Connection 是一个在线传输会话，昵称在所有在线连接中唯一。
type Connection struct {
	ConnectionID string    `gorm:"primaryKey;size:64" json:"connectionId"`
	Nickname     string    `gorm:"uniqueIndex;size:64;not null" json:"nickname"`
	ConnectedAt  time.Time `json:"-"`
}

// Message 一旦写入即不可变，按会话键归档。
type Message struct {
	MessageID       string    `gorm:"primaryKey;size:36" json:"messageId" bson:"_id"`
	CreatedAt       time.Time `gorm:"index:idx_msg_conversation,priority:2;not null" json:"createdAt" bson:"created_at"`
	ConversationKey string    `gorm:"index:idx_msg_conversation,priority:1;size:160;not null" json:"conversationKey" bson:"conversation_key"`
	Sender          string    `gorm:"size:64;not null" json:"sender" bson:"sender"`
	Body            string    `gorm:"type:text;not null" json:"body" bson:"body"`
}
