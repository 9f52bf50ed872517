package broker

import "testing"

func TestRoomToSubject(t *testing.T) {
	cases := []struct {
		room     string
		wantSubj string
		wantOK   bool
	}{
		{"prices:BTCUSDT", "prices.BTCUSDT", true},
		{"prices:ETH-USD", "prices.ETH-USD", true},
		{"not-a-room", "", false},
		{"prices:", "", false},
	}
	for _, c := range cases {
		subj, ok := RoomToSubject(c.room)
		if ok != c.wantOK || subj != c.wantSubj {
			t.Errorf("RoomToSubject(%q) = (%q, %v), want (%q, %v)", c.room, subj, ok, c.wantSubj, c.wantOK)
		}
	}
}

func TestSubjectToRoom(t *testing.T) {
	cases := []struct {
		subject  string
		wantRoom string
		wantOK   bool
	}{
		{"prices.BTCUSDT", "prices:BTCUSDT", true},
		{"klines.BTCUSDT.1m", "", false},
		{"prices.", "", false},
	}
	for _, c := range cases {
		room, ok := SubjectToRoom(c.subject)
		if ok != c.wantOK || room != c.wantRoom {
			t.Errorf("SubjectToRoom(%q) = (%q, %v), want (%q, %v)", c.subject, room, ok, c.wantRoom, c.wantOK)
		}
	}
}

func TestRoomSubjectRoundTrip(t *testing.T) {
	room := "prices:BTCUSDT"
	subj, ok := RoomToSubject(room)
	if !ok {
		t.Fatalf("RoomToSubject(%q) failed", room)
	}
	back, ok := SubjectToRoom(subj)
	if !ok || back != room {
		t.Fatalf("round trip failed: room=%q -> subject=%q -> room=%q", room, subj, back)
	}
}
