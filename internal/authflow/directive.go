package authflow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// FormatLaunchDirective renders the string handed to the OS default
// handler. The segment order and percent-encoding are an external
// contract: the consuming handler parses positionally and any reordering
// breaks launches.
func FormatLaunchDirective(baseRequestURL, ticket, trackerID string, launchTime int64) string {
	segments := []string{
		"launchmode:play",
		"gameinfo:" + ticket,
		"launchtime:" + strconv.FormatInt(launchTime, 10),
		"placelauncherurl:" + url.QueryEscape(baseRequestURL),
		"browsertrackerid:" + trackerID,
		"robloxLocale:en_us",
		"gameLocale:en_us",
		"channel:",
		"LaunchExp:InApp",
	}
	return "roblox-player:1+" + strings.Join(segments, "+")
}

// StandardRequestURL is the base request for a plain join; jobID, when
// present, pins the specific server instance.
func StandardRequestURL(launcherBase, trackerID string, placeID int64, jobID string) string {
	if jobID != "" {
		return fmt.Sprintf("%s?request=RequestGameJob&browserTrackerId=%s&placeId=%d&gameId=%s&isPlayTogetherGame=false",
			launcherBase, trackerID, placeID, url.QueryEscape(jobID))
	}
	return fmt.Sprintf("%s?request=RequestGame&browserTrackerId=%s&placeId=%d&isPlayTogetherGame=false",
		launcherBase, trackerID, placeID)
}

// FollowRequestURL joins wherever the given user currently is; the
// numeric id is a user id here, not a place id.
func FollowRequestURL(launcherBase, trackerID string, userID int64) string {
	return fmt.Sprintf("%s?request=RequestFollowUser&browserTrackerId=%s&userId=%d",
		launcherBase, trackerID, userID)
}

// PrivateRequestURL joins a private server using a resolved access code
// plus the shareable link code it came from.
func PrivateRequestURL(launcherBase, trackerID string, placeID int64, accessCode, linkCode string) string {
	return fmt.Sprintf("%s?request=RequestPrivateGame&browserTrackerId=%s&placeId=%d&accessCode=%s&linkCode=%s",
		launcherBase, trackerID, placeID, url.QueryEscape(accessCode), url.QueryEscape(linkCode))
}
