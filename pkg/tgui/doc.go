// Package tgui holds small helpers for Telegram HTML messages: escaping,
// inline keyboards made of transport.Button rows, callback data and a message
// builder.
package tgui
