// Package message defines the broker's command envelope and its JSON codec.
//
// Wire format (one key per envelope):
//
//	{"SUBSCRIBE":{"channel":"room1"}}
//	{"UNSUBSCRIBE":{"channel":"room1"}}
//	{"PUBLISH":{"channel":"room1","msg":[104,105]}}
//	{"OK":{}}
//	{"ERROR":{"msg":"reason"}}
//
// PUBLISH travels both ways: clients send it to publish, and the broker
// forwards the same shape to each subscriber.
package message
