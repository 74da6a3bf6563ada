package didl

import "github.com/mikey-austin/mupnp/pkg/upnp"

func mustSinks(list string) []upnp.ProtocolInfo {
	return upnp.ParseProtocolInfoList(list)
}
