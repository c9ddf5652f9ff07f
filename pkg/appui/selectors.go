// Package appui is the single source for the on-screen landmarks the
// automation recognizes the target app by. Selectors prefer content
// descriptions and texts over resource ids where the app randomizes ids
// between builds; the package-qualified ids are parameterized on the install
// package since farm devices run cloned packages.
package appui

import "github.com/growthops/devicefarm/pkg/uiauto"

type Selectors struct {
	pkg string
}

func New(packageName string) *Selectors {
	return &Selectors{pkg: packageName}
}

func (s *Selectors) id(suffix string) string { return s.pkg + ":id/" + suffix }

// --- Login, 2FA and account status ---

func (s *Selectors) LoginPage() uiauto.Selector {
	return uiauto.Selector{Desc: "Forgot password?"}
}

func (s *Selectors) UsernameField() uiauto.Selector {
	return uiauto.Selector{TextContains: "Username, email"}
}

func (s *Selectors) PasswordField() uiauto.Selector {
	return uiauto.Selector{TextContains: "Password"}
}

func (s *Selectors) LoginButton() uiauto.Selector {
	return uiauto.Selector{Class: "android.widget.Button", Desc: "Log in"}
}

func (s *Selectors) LoadingIndicator() uiauto.Selector {
	return uiauto.Selector{Class: "android.widget.Button", Desc: "Loading..."}
}

func (s *Selectors) IncorrectPassword() uiauto.AnySelector {
	return uiauto.AnySelector{
		{Text: "Incorrect password"},
		{Text: "Incorrect Password"},
	}
}

func (s *Selectors) TwoFactorPage() uiauto.AnySelector {
	return uiauto.AnySelector{
		{Text: "Check your email"},
		{Desc: "two_factor_required_challenge"},
	}
}

func (s *Selectors) TwoFactorCodeInput() uiauto.Selector {
	return uiauto.Selector{TextStartsWith: "Enter", TextContains: "code"}
}

func (s *Selectors) TwoFactorConfirmButton() uiauto.AnySelector {
	return uiauto.AnySelector{
		{TextContains: "Continue"},
		{TextContains: "Confirm"},
	}
}

func (s *Selectors) AccountSuspended() uiauto.AnySelector {
	return uiauto.AnySelector{
		{TextStartsWith: "We suspended your account"},
		{TextContains: "account has been suspended"},
	}
}

// --- Post-login and home screen ---

func (s *Selectors) SaveLoginInfoPrompt() uiauto.AnySelector {
	return uiauto.AnySelector{
		{Desc: "save_login_info_dialog_title"},
		{TextContains: "Save your login info"},
		{Desc: "Save your login info?"},
	}
}

func (s *Selectors) SaveLoginInfoSaveButton() uiauto.Selector {
	return uiauto.Selector{Desc: "Save"}
}

func (s *Selectors) TurnOnNotificationsPrompt() uiauto.Selector {
	return uiauto.Selector{TextContains: "Turn on notifications"}
}

func (s *Selectors) HomeFeed() uiauto.Selector {
	return uiauto.Selector{Text: "Your story"}
}

// --- Navigation ---

func (s *Selectors) ExploreTab() uiauto.Selector {
	return uiauto.Selector{DescContains: "Search and explore"}
}

func (s *Selectors) BackButton() uiauto.Selector {
	return uiauto.Selector{Desc: "Back"}
}

// --- Search and discovery ---

func (s *Selectors) ExploreSearchBar() uiauto.Selector {
	return uiauto.Selector{ResourceID: s.id("action_bar_search_edit_text")}
}

func (s *Selectors) SearchResultsContainer() uiauto.Selector {
	return uiauto.Selector{ResourceIDContains: "recycler_view"}
}

// ReelCards matches every reel thumbnail on the discovery grid; the content
// description carries the author and is used as the dedupe fingerprint.
func (s *Selectors) ReelCards() uiauto.Selector {
	return uiauto.Selector{Class: "android.widget.ImageView", DescContains: "Reel by"}
}

// ReelCardByDesc pins one specific card for tapping.
func (s *Selectors) ReelCardByDesc(desc string) uiauto.Selector {
	return uiauto.Selector{Class: "android.widget.ImageView", Desc: desc}
}

// --- In-reel viewing ---

func (s *Selectors) ReelLikeButton() uiauto.AnySelector {
	return uiauto.AnySelector{
		{Desc: "Like"},
		{Desc: "Unlike"},
	}
}

func (s *Selectors) ReelCommentButton() uiauto.Selector {
	return uiauto.Selector{DescContains: "Comment"}
}

func (s *Selectors) CommentInputField() uiauto.Selector {
	return uiauto.Selector{TextContains: "Add a comment"}
}

func (s *Selectors) CommentLikeButtons() uiauto.Selector {
	return uiauto.Selector{Desc: "Tap to like comment"}
}

func (s *Selectors) PeekViewContainer() uiauto.Selector {
	return uiauto.Selector{ResourceIDContains: "peek_media_container"}
}

func (s *Selectors) LikesPageTitle() uiauto.Selector {
	return uiauto.Selector{Text: "Likes"}
}
