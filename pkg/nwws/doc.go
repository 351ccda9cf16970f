// Package nwws turns the NOAA Weather Wire Service Open Interface (NWWS-OI)
// room into one durable stream of events.
//
//	stream := nwws.NewStream(nwws.NewConfig(user, pass))
//	defer stream.Close()
//	for ev := range stream.Events() {
//		if ev.Kind == nwws.EventBulletin {
//			fmt.Println(ev.Bulletin.TTAAII, ev.Bulletin.CCCC)
//		}
//	}
//
// A Stream reconnects forever with tiered cooldowns. Conn is a single joined
// session and DecodeBulletin is the pure payload decoder used by it.
package nwws
