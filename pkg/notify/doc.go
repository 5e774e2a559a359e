/*
Package notify propagates model changes to interested parties.

A Service keeps an ordered list of observers and delivers "model updated" and "model
reset" events to each of them synchronously, in registration order. A failing or
panicking observer never stops the broadcast: failures are collected into a
*BroadcastError and handed to an optional reporter as they happen.

Out-of-process observers register through Subscribe, which first checks the caller's
session with a SessionValidator.
*/
package notify
