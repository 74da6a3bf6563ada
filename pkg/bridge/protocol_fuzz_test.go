package bridge

import "testing"

func FuzzParseCallTopic(f *testing.F) {
	f.Add("mupnp/v1/1234/AVTransport/call/Play")
	f.Add("mupnp/v1///call/")
	f.Add("")

	f.Fuzz(func(t *testing.T, topic string) {
		target, err := ParseCallTopic(BaseTopic, topic)
		if err != nil {
			return
		}
		if got := TopicCall(BaseTopic, target.UDN, target.ServiceID, target.Action); got != topic {
			t.Fatalf("round trip %q != %q", got, topic)
		}
	})
}
